package analyzer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"airelay/internal/config"
)

// Result is a successful analysis.
type Result struct {
	Output string
	Model  string
}

type candidateSource interface {
	Candidates(ctx context.Context) []string
	Invalidate(ctx context.Context)
}

type staticCandidates []string

func (s staticCandidates) Candidates(context.Context) []string { return slices.Clone(s) }

func (staticCandidates) Invalidate(context.Context) {}

type generateFunc func(ctx context.Context, input []*schema.Message) (*schema.Message, error)

// TextService answers free-text questions with a hosted chat model.
type TextService struct {
	newModel   ChatModelFactory
	candidates candidateSource
	tools      []tool.BaseTool
	logger     *zap.Logger

	mu      sync.Mutex
	runners map[string]generateFunc
}

// NewTextService wires the configured provider. cache may be nil.
func NewTextService(ctx context.Context, cfg config.AnalyzerConfig, cache CandidateCache, cacheTTL time.Duration, logger *zap.Logger) (*TextService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := strings.ToLower(cfg.Provider)

	var discovery candidateSource
	factoryCfg := cfg
	factoryCfg.Provider = provider
	var factory ChatModelFactory
	var err error
	if provider == ProviderGemini {
		client, err := newGenaiClient(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		factory, err = NewChatModelFactory(factoryCfg, client)
		if err != nil {
			return nil, err
		}
		if cfg.Model == "" {
			discovery = NewDiscovery(genaiLister{client: client}, cache, provider, cacheTTL, cfg.PreferredModels, logger)
		}
	} else {
		factory, err = NewChatModelFactory(factoryCfg, nil)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case cfg.Model != "":
		discovery = staticCandidates{cfg.Model}
	case discovery == nil:
		discovery = staticCandidates{defaultModels[provider]}
	}

	var tools []tool.BaseTool
	if cfg.WebSearch {
		if ws := NewWebSearchTool(ctx, cfg, logger); ws != nil {
			tools = append(tools, ws)
		}
	}
	return newTextService(factory, discovery, tools, logger), nil
}

func newTextService(factory ChatModelFactory, candidates candidateSource, tools []tool.BaseTool, logger *zap.Logger) *TextService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextService{
		newModel:   factory,
		candidates: candidates,
		tools:      tools,
		logger:     logger,
		runners:    make(map[string]generateFunc),
	}
}

// AnalyzeText sends the question to each candidate model in turn until one
// answers. Every failure is returned as an *AnalysisError.
func (s *TextService) AnalyzeText(ctx context.Context, question string) (Result, error) {
	candidates := s.candidates.Candidates(ctx)
	if len(candidates) == 0 {
		return Result{}, newError(ReasonUnavailable, errors.New("no candidate models"))
	}
	input := []*schema.Message{schema.UserMessage(question)}

	var lastErr error
	allNotFound := true
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, classify(err)
		}
		run, err := s.runner(ctx, name)
		if err != nil {
			s.logger.Warn("build chat model", zap.String("model", name), zap.Error(err))
			allNotFound = false
			lastErr = err
			continue
		}
		resp, err := run(ctx, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, classify(ctxErr)
			}
			if !isNotFound(err) {
				allNotFound = false
			}
			s.logger.Warn("model generation failed", zap.String("model", name), zap.Error(err))
			lastErr = err
			continue
		}
		answer := ""
		if resp != nil {
			answer = strings.TrimSpace(resp.Content)
		}
		if answer == "" {
			return Result{Model: name}, newError(ReasonEmpty, fmt.Errorf("model %s returned an empty answer", name))
		}
		return Result{Output: answer, Model: name}, nil
	}

	if allNotFound {
		s.candidates.Invalidate(ctx)
	}
	return Result{}, classify(fmt.Errorf("all candidate models failed: %w", lastErr))
}

// runner returns the cached generate function for a model, building it on
// first use.
func (s *TextService) runner(ctx context.Context, name string) (generateFunc, error) {
	s.mu.Lock()
	run, ok := s.runners[name]
	s.mu.Unlock()
	if ok {
		return run, nil
	}

	chatModel, err := s.newModel(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("init chat model %s: %w", name, err)
	}
	run = func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		return chatModel.Generate(ctx, input)
	}
	if len(s.tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: s.tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		run = func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
			return agent.Generate(ctx, input)
		}
	}

	s.mu.Lock()
	if existing, ok := s.runners[name]; ok {
		run = existing
	} else {
		s.runners[name] = run
	}
	s.mu.Unlock()
	return run, nil
}
