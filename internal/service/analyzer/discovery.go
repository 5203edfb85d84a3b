package analyzer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/genai"
)

// DefaultPreferredModels orders discovered gemini models, fastest first.
var DefaultPreferredModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-flash-latest",
	"gemini-flash-lite-latest",
	"gemini-2.5-pro",
	"gemini-pro-latest",
}

// fallbackModels is used when discovery fails or finds nothing.
var fallbackModels = []string{"gemini-2.5-flash", "gemini-2.0-flash"}

const (
	generateContentAction = "generateContent"
	// discoveryTimeout bounds the shared listing call.
	discoveryTimeout = 15 * time.Second
)

// ModelLister returns the model names that support content generation.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// CandidateCache stores discovered model lists. *redis.Client implements it.
type CandidateCache interface {
	GetStrings(ctx context.Context, key string) ([]string, error)
	SetStrings(ctx context.Context, key string, values []string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type genaiLister struct {
	client *genai.Client
}

func (l genaiLister) ListModels(ctx context.Context) ([]string, error) {
	var names []string
	for m, err := range l.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		if m == nil || !slices.Contains(m.SupportedActions, generateContentAction) {
			continue
		}
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

// rankModels puts preferred models first, in preference order, followed by
// the remaining available models in their listed order.
func rankModels(available, preferred []string) []string {
	seen := make(map[string]bool, len(available))
	have := make(map[string]bool, len(available))
	for _, name := range available {
		have[name] = true
	}
	ranked := make([]string, 0, len(available))
	for _, name := range preferred {
		if have[name] && !seen[name] {
			ranked = append(ranked, name)
			seen[name] = true
		}
	}
	for _, name := range available {
		if name != "" && !seen[name] {
			ranked = append(ranked, name)
			seen[name] = true
		}
	}
	return ranked
}

// Discovery resolves the ordered list of candidate models.
type Discovery struct {
	lister    ModelLister
	cache     CandidateCache
	cacheKey  string
	ttl       time.Duration
	preferred []string
	logger    *zap.Logger
	group     singleflight.Group

	mu        sync.Mutex
	memo      []string
	memoUntil time.Time
}

// NewDiscovery wires a lister with an optional shared cache.
func NewDiscovery(lister ModelLister, cache CandidateCache, provider string, ttl time.Duration, preferred []string, logger *zap.Logger) *Discovery {
	if len(preferred) == 0 {
		preferred = DefaultPreferredModels
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		lister:    lister,
		cache:     cache,
		cacheKey:  "airelay:models:" + provider,
		ttl:       ttl,
		preferred: preferred,
		logger:    logger,
	}
}

// Candidates returns the ranked models. It never returns an empty list.
func (d *Discovery) Candidates(ctx context.Context) []string {
	if cached := d.fromMemo(); cached != nil {
		return cached
	}
	if d.cache != nil {
		if cached, err := d.cache.GetStrings(ctx, d.cacheKey); err == nil && len(cached) > 0 {
			d.remember(cached)
			return slices.Clone(cached)
		}
	}

	// The listing is shared by every waiting caller, so it does not inherit
	// the cancellation of whichever caller started it.
	v, err, _ := d.group.Do(d.cacheKey, func() (any, error) {
		listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoveryTimeout)
		defer cancel()
		available, err := d.lister.ListModels(listCtx)
		if err != nil {
			return nil, err
		}
		return rankModels(available, d.preferred), nil
	})
	if err != nil {
		d.logger.Warn("model discovery failed, using fallback models", zap.Error(err))
		return slices.Clone(fallbackModels)
	}
	ranked := v.([]string)
	if len(ranked) == 0 {
		d.logger.Warn("model discovery found no usable models, using fallback models")
		return slices.Clone(fallbackModels)
	}

	d.remember(ranked)
	if d.cache != nil {
		if err := d.cache.SetStrings(ctx, d.cacheKey, ranked, d.ttl); err != nil {
			d.logger.Warn("cache model candidates", zap.Error(err))
		}
	}
	d.logger.Info("discovered models", zap.Strings("candidates", ranked))
	return slices.Clone(ranked)
}

// Invalidate drops the cached list so the next call rediscovers.
func (d *Discovery) Invalidate(ctx context.Context) {
	d.mu.Lock()
	d.memo = nil
	d.memoUntil = time.Time{}
	d.mu.Unlock()
	if d.cache != nil {
		if err := d.cache.Del(ctx, d.cacheKey); err != nil {
			d.logger.Warn("invalidate model candidates", zap.Error(err))
		}
	}
}

func (d *Discovery) fromMemo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memo == nil || time.Now().After(d.memoUntil) {
		return nil
	}
	return slices.Clone(d.memo)
}

func (d *Discovery) remember(models []string) {
	d.mu.Lock()
	d.memo = slices.Clone(models)
	d.memoUntil = time.Now().Add(d.ttl)
	d.mu.Unlock()
}
