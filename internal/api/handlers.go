package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"iter"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"airelay/internal/models"
	"airelay/internal/service/relay"
	"airelay/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	summaryLength = 80
	// maxUploadBody leaves room for the multipart framing around the image.
	maxUploadBody = relay.MaxImageBytes + 1<<20
)

// Relay is the pipeline the handlers submit to.
type Relay interface {
	Ask(ctx context.Context, sub relay.TextSubmission) (*relay.Outcome, error)
	Upload(ctx context.Context, sub relay.ImageSubmission) (*relay.Outcome, error)
}

// Handler wires HTTP routes to the relay pipeline and the interaction log.
type Handler struct {
	relay       Relay
	store       storage.Store
	maxQuestion int
	logger      *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(r Relay, store storage.Store, maxQuestion int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQuestion <= 0 {
		maxQuestion = relay.DefaultMaxQuestionLength
	}
	return &Handler{relay: r, store: store, maxQuestion: maxQuestion, logger: logger}
}

// NewRouter builds the gin engine with middleware, templates and routes.
func NewRouter(h *Handler) (*gin.Engine, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{"summary": summarize}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(requestID(), accessLog(h.logger), recovery(h.logger))
	router.SetHTMLTemplate(tmpl)
	h.RegisterRoutes(router)
	return router, nil
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	router.POST("/ask", h.askPage)
	router.POST("/upload", h.uploadPage)
	router.GET("/logs", h.logsPage)
	router.GET("/healthz", h.healthz)

	api := router.Group("/api")
	api.POST("/ask", h.askAPI)
	api.POST("/upload", h.uploadAPI)
	api.GET("/logs", h.logsAPI)
}

type askForm struct {
	Name     string `form:"name"`
	Question string `form:"question"`
}

type askRequest struct {
	Name     string `json:"name"`
	Question string `json:"question"`
}

type askResponse struct {
	Answer   string `json:"answer"`
	Status   string `json:"status"`
	Model    string `json:"model,omitempty"`
	RecordID int64  `json:"record_id,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

type uploadResponse struct {
	Emotion  string `json:"emotion"`
	Status   string `json:"status"`
	Model    string `json:"model,omitempty"`
	RecordID int64  `json:"record_id,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

type pageData struct {
	Name              string
	Question          string
	Answer            string
	Emotion           string
	Model             string
	Error             string
	Warning           string
	MaxQuestionLength int
}

func (h *Handler) page(c *gin.Context, status int, data pageData) {
	data.MaxQuestionLength = h.maxQuestion
	c.HTML(status, "index.html", data)
}

func (h *Handler) index(c *gin.Context) {
	h.page(c, http.StatusOK, pageData{})
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) askPage(c *gin.Context) {
	var form askForm
	if err := c.ShouldBind(&form); err != nil {
		h.page(c, http.StatusBadRequest, pageData{Error: "Invalid form submission."})
		return
	}
	out, err := h.relay.Ask(c.Request.Context(), relay.TextSubmission{SubmittedBy: form.Name, Question: form.Question})
	if err != nil {
		status, msg := h.submissionError(c, err)
		h.page(c, status, pageData{Name: form.Name, Question: form.Question, Error: msg})
		return
	}
	h.page(c, http.StatusOK, pageData{
		Name:     form.Name,
		Question: form.Question,
		Answer:   out.Result,
		Model:    out.Model,
		Warning:  out.Warning,
	})
}

func (h *Handler) askAPI(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON in request body."})
		return
	}
	out, err := h.relay.Ask(c.Request.Context(), relay.TextSubmission{SubmittedBy: req.Name, Question: req.Question})
	if err != nil {
		status, msg := h.submissionError(c, err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, askResponse{
		Answer:   out.Result,
		Status:   outcomeStatus(out),
		Model:    out.Model,
		RecordID: out.RecordID,
		Warning:  out.Warning,
	})
}

func (h *Handler) uploadPage(c *gin.Context) {
	out, err := h.upload(c)
	// The form is parsed by upload, under the body limit.
	name := c.PostForm("name")
	if err != nil {
		status, msg := h.submissionError(c, err)
		h.page(c, status, pageData{Name: name, Error: msg})
		return
	}
	h.page(c, http.StatusOK, pageData{
		Name:    name,
		Emotion: out.Result,
		Model:   out.Model,
		Warning: out.Warning,
	})
}

func (h *Handler) uploadAPI(c *gin.Context) {
	out, err := h.upload(c)
	if err != nil {
		status, msg := h.submissionError(c, err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, uploadResponse{
		Emotion:  out.Result,
		Status:   outcomeStatus(out),
		Model:    out.Model,
		RecordID: out.RecordID,
		Warning:  out.Warning,
	})
}

func (h *Handler) upload(c *gin.Context) (*relay.Outcome, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &relay.ValidationError{Field: "image", Message: "Image is too large. The limit is 10 MB."}
		}
		return nil, &relay.ValidationError{Field: "image", Message: "No image uploaded."}
	}
	f, err := file.Open()
	if err != nil {
		return nil, &relay.ValidationError{Field: "image", Message: "The upload could not be read."}
	}
	defer f.Close()

	return h.relay.Upload(c.Request.Context(), relay.ImageSubmission{
		SubmittedBy: c.PostForm("name"),
		FileName:    file.Filename,
		Body:        f,
	})
}

// submissionError maps a pipeline error to a status and user-facing message.
func (h *Handler) submissionError(c *gin.Context, err error) (int, string) {
	var ve *relay.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ve.Message
	}
	requestLogger(c, h.logger).Error("submission failed", zap.Error(err))
	return http.StatusInternalServerError, "Something went wrong. Please try again."
}

func outcomeStatus(out *relay.Outcome) string {
	if out.Failed {
		return "fallback"
	}
	return "success"
}

// logFilter reads kind and limit. A missing or zero limit means every row.
func logFilter(c *gin.Context) (storage.ListFilter, error) {
	var filter storage.ListFilter
	switch kind := models.Kind(c.Query("kind")); kind {
	case "", models.KindText, models.KindImage:
		filter.Kind = kind
	default:
		return filter, errors.New("kind must be text or image")
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// logsPage renders the log straight from the store cursor, so the whole log
// is shown without holding it in memory.
func (h *Handler) logsPage(c *gin.Context) {
	filter, err := logFilter(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	next, stop := iter.Pull2(h.store.List(c.Request.Context(), filter))
	defer stop()
	first, err, ok := next()
	if ok && err != nil {
		requestLogger(c, h.logger).Error("list interactions", zap.Error(err))
		c.String(http.StatusInternalServerError, "Could not read the interaction log.")
		return
	}

	var streamErr error
	records := func(yield func(*models.InteractionRecord) bool) {
		for rec, err := first, error(nil); ok; rec, err, ok = next() {
			if err != nil {
				streamErr = err
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
	c.HTML(http.StatusOK, "logs.html", gin.H{
		"Empty":   !ok,
		"Records": iter.Seq[*models.InteractionRecord](records),
		"Kind":    string(filter.Kind),
	})
	if streamErr != nil {
		// Headers are gone; the page is cut short.
		requestLogger(c, h.logger).Error("list interactions", zap.Error(streamErr))
	}
}

// logsAPI streams the log as a JSON array straight from the store cursor.
func (h *Handler) logsAPI(c *gin.Context) {
	filter, err := logFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started := false
	start := func() {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Status(http.StatusOK)
		c.Writer.WriteString("[")
		started = true
	}
	enc := json.NewEncoder(c.Writer)
	for rec, err := range h.store.List(c.Request.Context(), filter) {
		if err != nil {
			requestLogger(c, h.logger).Error("list interactions", zap.Error(err))
			if !started {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not read the interaction log."})
			}
			// A half-written array tells the client the stream broke.
			return
		}
		if !started {
			start()
		} else {
			c.Writer.WriteString(",")
		}
		if err := enc.Encode(rec); err != nil {
			return
		}
		c.Writer.Flush()
	}
	if !started {
		start()
	}
	c.Writer.WriteString("]")
}

func summarize(s string) string {
	if utf8.RuneCountInString(s) <= summaryLength {
		return s
	}
	return string([]rune(s)[:summaryLength]) + "…"
}
