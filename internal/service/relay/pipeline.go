package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"airelay/internal/models"
	"airelay/internal/service/analyzer"
	"airelay/internal/storage"
)

const (
	DefaultAnalyzerTimeout   = 60 * time.Second
	DefaultMaxQuestionLength = 2000
	MaxImageBytes            = 10 << 20
	maxSubmitterLength       = 100
	maxFileNameLength        = 255
)

// Sentinel results stored and shown when the analyzer fails.
const (
	SentinelQuota        = "Quota exceeded. Please wait 1-2 minutes and try again."
	SentinelTextTimeout  = "The assistant took too long to answer. Please try again."
	SentinelEmpty        = "I'm sorry, I couldn't generate a response. Please try again."
	SentinelUnavailable  = "Sorry, the assistant is unavailable right now. Please try again later."
	SentinelNoFace       = "No face detected"
	SentinelImageTimeout = "Emotion analysis timed out"
	SentinelImageFailed  = "Emotion analysis failed"
)

// LogWarning is attached to an outcome whose record could not be stored.
const LogWarning = "This interaction could not be logged."

// TextAnalyzer answers a question.
type TextAnalyzer interface {
	AnalyzeText(ctx context.Context, question string) (analyzer.Result, error)
}

// ImageAnalyzer labels an image file.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, in analyzer.ImageInput) (analyzer.Result, error)
}

// TextSubmission is a question from the text app.
type TextSubmission struct {
	SubmittedBy string
	Question    string
}

// ImageSubmission is an upload from the image app.
type ImageSubmission struct {
	SubmittedBy string
	FileName    string
	Body        io.Reader
}

// Outcome is what the user sees. RecordID is zero when logging failed.
type Outcome struct {
	Kind     models.Kind
	Result   string
	Model    string
	Failed   bool
	RecordID int64
	Warning  string
}

// Options configures a Pipeline.
type Options struct {
	Store             storage.Store
	Text              TextAnalyzer
	Image             ImageAnalyzer
	Uploads           *UploadDir
	AnalyzerTimeout   time.Duration
	MaxQuestionLength int
	Logger            *zap.Logger
}

// Pipeline validates a submission, calls the analyzer, and logs the result.
type Pipeline struct {
	store      storage.Store
	text       TextAnalyzer
	image      ImageAnalyzer
	uploads    *UploadDir
	timeout    time.Duration
	maxQuesLen int
	logger     *zap.Logger
}

// New builds a pipeline. A missing analyzer makes its app answer with the
// failure sentinel.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	p := &Pipeline{
		store:      opts.Store,
		text:       opts.Text,
		image:      opts.Image,
		uploads:    opts.Uploads,
		timeout:    opts.AnalyzerTimeout,
		maxQuesLen: opts.MaxQuestionLength,
		logger:     opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultAnalyzerTimeout
	}
	if p.maxQuesLen <= 0 {
		p.maxQuesLen = DefaultMaxQuestionLength
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Ask relays a question to the text analyzer.
func (p *Pipeline) Ask(ctx context.Context, sub TextSubmission) (*Outcome, error) {
	question := strings.TrimSpace(sub.Question)
	if question == "" {
		return nil, invalid("question", "Question cannot be empty.")
	}
	if utf8.RuneCountInString(question) > p.maxQuesLen {
		return nil, invalid("question", fmt.Sprintf("Question too long. Please keep it under %d characters.", p.maxQuesLen))
	}
	submitter := normalizeSubmitter(sub.SubmittedBy)

	out := &Outcome{Kind: models.KindText}
	if p.text == nil {
		out.Result, out.Failed = SentinelUnavailable, true
	} else {
		actx, cancel := context.WithTimeout(ctx, p.timeout)
		res, err := p.text.AnalyzeText(actx, question)
		cancel()
		out.Model = res.Model
		if err != nil {
			reason := analyzer.ReasonOf(err)
			p.logger.Warn("text analysis failed",
				zap.String("reason", string(reason)),
				zap.String("model", res.Model),
				zap.Error(err))
			out.Result, out.Failed = textSentinel(reason), true
		} else {
			out.Result = res.Output
		}
	}

	p.record(ctx, out, submitter, question)
	return out, nil
}

// Upload relays an image to the emotion analyzer.
func (p *Pipeline) Upload(ctx context.Context, sub ImageSubmission) (*Outcome, error) {
	if sub.Body == nil {
		return nil, invalid("image", "No image uploaded.")
	}
	data, err := io.ReadAll(io.LimitReader(sub.Body, MaxImageBytes+1))
	if err != nil {
		return nil, invalid("image", "The upload could not be read.")
	}
	if len(data) == 0 {
		return nil, invalid("image", "No image uploaded.")
	}
	if len(data) > MaxImageBytes {
		return nil, invalid("image", "Image is too large. The limit is 10 MB.")
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, invalid("image", "Unsupported file type. Please upload a JPEG, PNG or GIF image.")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, invalid("image", "The uploaded file is not a readable image.")
	}
	fileName := sanitizeFileName(sub.FileName)
	if fileName == "" {
		fileName = "upload." + format
	}
	submitter := normalizeSubmitter(sub.SubmittedBy)

	out := &Outcome{Kind: models.KindImage}
	res, err := p.analyzeImage(ctx, data, format, mimeType)
	out.Model = res.Model
	if err != nil {
		reason := analyzer.ReasonOf(err)
		p.logger.Warn("image analysis failed",
			zap.String("reason", string(reason)),
			zap.String("file", fileName),
			zap.Error(err))
		out.Result, out.Failed = imageSentinel(reason), true
	} else {
		out.Result = res.Output
	}

	p.record(ctx, out, submitter, fileName)
	return out, nil
}

func (p *Pipeline) analyzeImage(ctx context.Context, data []byte, format, mimeType string) (analyzer.Result, error) {
	if p.image == nil || p.uploads == nil {
		return analyzer.Result{}, errors.New("image analysis is not configured")
	}
	path, err := p.uploads.Create(data, format)
	if err != nil {
		return analyzer.Result{}, err
	}
	defer p.uploads.Remove(path)

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.image.AnalyzeImage(actx, analyzer.ImageInput{Path: path, MIMEType: mimeType})
}

// record appends the interaction. The request context may already be done
// when the client went away; the record is written regardless.
func (p *Pipeline) record(ctx context.Context, out *Outcome, submitter, input string) {
	status := models.StatusOK
	if out.Failed {
		status = models.StatusFailed
	}
	stored, err := p.store.Append(context.WithoutCancel(ctx), models.InteractionRecord{
		Kind:        out.Kind,
		SubmittedBy: submitter,
		Input:       input,
		Result:      out.Result,
		Status:      status,
		Model:       out.Model,
	})
	if err != nil {
		p.logger.Warn("interaction not logged",
			zap.String("kind", string(out.Kind)),
			zap.String("submitted_by", submitter),
			zap.Error(err))
		out.Warning = LogWarning
		return
	}
	out.RecordID = stored.ID
}

func textSentinel(reason analyzer.Reason) string {
	switch reason {
	case analyzer.ReasonRateLimited:
		return SentinelQuota
	case analyzer.ReasonTimeout:
		return SentinelTextTimeout
	case analyzer.ReasonEmpty:
		return SentinelEmpty
	default:
		return SentinelUnavailable
	}
}

func imageSentinel(reason analyzer.Reason) string {
	switch reason {
	case analyzer.ReasonNoFace:
		return SentinelNoFace
	case analyzer.ReasonTimeout:
		return SentinelImageTimeout
	default:
		return SentinelImageFailed
	}
}

func normalizeSubmitter(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.AnonymousSubmitter
	}
	return truncateRunes(name, maxSubmitterLength)
}

// sanitizeFileName keeps the base name of the client-supplied path without
// control characters.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return truncateRunes(strings.TrimSpace(name), maxFileNameLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
