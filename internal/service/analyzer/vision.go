package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"airelay/internal/models"
)

const noFaceLabel = "no_face"

const visionInstruction = "Classify the dominant facial emotion of the person in this photo. " +
	"Answer with exactly one of: angry, disgust, fear, happy, sad, surprise, neutral. " +
	"If the photo contains no human face, answer no_face."

// ImageInput points at an uploaded image on disk.
type ImageInput struct {
	Path     string
	MIMEType string
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// VisionService classifies facial emotion with a gemini vision model. The
// client is created on first use.
type VisionService struct {
	apiKey string
	model  string
	logger *zap.Logger

	// newGenerator is swapped in tests.
	newGenerator func(ctx context.Context) (contentGenerator, error)

	mu        sync.Mutex
	generator contentGenerator
}

// NewVisionService returns an uninitialised service.
func NewVisionService(apiKey, model string, logger *zap.Logger) *VisionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &VisionService{apiKey: apiKey, model: model, logger: logger}
	v.newGenerator = func(ctx context.Context) (contentGenerator, error) {
		if v.apiKey == "" {
			return nil, errors.New("vision api key is not configured")
		}
		client, err := newGenaiClient(ctx, v.apiKey)
		if err != nil {
			return nil, err
		}
		return client.Models, nil
	}
	return v
}

// Init creates the client if needed. A failed Init is retried by the next call.
func (v *VisionService) Init(ctx context.Context) error {
	_, err := v.ensure(ctx)
	return err
}

func (v *VisionService) ensure(ctx context.Context) (contentGenerator, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.generator != nil {
		return v.generator, nil
	}
	gen, err := v.newGenerator(ctx)
	if err != nil {
		return nil, newError(ReasonUnavailable, fmt.Errorf("init vision model: %w", err))
	}
	v.generator = gen
	v.logger.Info("vision model ready", zap.String("model", v.model))
	return gen, nil
}

// Ready reports whether the client has been created.
func (v *VisionService) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generator != nil
}

// Shutdown releases the client. The next call initialises it again.
func (v *VisionService) Shutdown() {
	v.mu.Lock()
	v.generator = nil
	v.mu.Unlock()
}

// AnalyzeImage returns the dominant emotion label for the image.
func (v *VisionService) AnalyzeImage(ctx context.Context, in ImageInput) (Result, error) {
	gen, err := v.ensure(ctx)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return Result{}, newError(ReasonUnavailable, fmt.Errorf("read image: %w", err))
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, in.MIMEType),
			genai.NewPartFromText(visionInstruction),
		}, genai.RoleUser),
	}
	labels := make([]string, 0, len(models.Emotions)+1)
	for _, e := range models.Emotions {
		labels = append(labels, string(e))
	}
	labels = append(labels, noFaceLabel)

	resp, err := gen.GenerateContent(ctx, v.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "text/x.enum",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeString,
			Enum: labels,
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, classify(ctxErr)
		}
		return Result{}, classify(err)
	}
	if resp == nil {
		return Result{Model: v.model}, newError(ReasonUnusable, errors.New("empty response"))
	}

	raw := resp.Text()
	if strings.EqualFold(strings.TrimSpace(raw), noFaceLabel) {
		return Result{Model: v.model}, newError(ReasonNoFace, nil)
	}
	emotion, ok := models.ParseEmotion(raw)
	if !ok {
		return Result{Model: v.model}, newError(ReasonUnusable, fmt.Errorf("unexpected label %q", raw))
	}
	return Result{Output: string(emotion), Model: v.model}, nil
}
