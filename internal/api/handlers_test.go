package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"airelay/internal/models"
	"airelay/internal/service/analyzer"
	"airelay/internal/service/relay"
	"airelay/internal/storage"
)

type stubText struct {
	answer string
	err    error
	calls  int
}

func (s *stubText) AnalyzeText(_ context.Context, _ string) (analyzer.Result, error) {
	s.calls++
	if s.err != nil {
		return analyzer.Result{}, s.err
	}
	return analyzer.Result{Output: s.answer, Model: "test-model"}, nil
}

type stubImage struct {
	label string
	err   error
	calls int
}

func (s *stubImage) AnalyzeImage(_ context.Context, _ analyzer.ImageInput) (analyzer.Result, error) {
	s.calls++
	if s.err != nil {
		return analyzer.Result{}, s.err
	}
	return analyzer.Result{Output: s.label, Model: "vision-model"}, nil
}

type testServer struct {
	router *gin.Engine
	store  *storage.SQLStore
	text   *stubText
	image  *stubImage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open(storage.BackendSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, storage.BackendSQLite); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := storage.NewSQLStore(db)
	t.Cleanup(func() { store.Close() })

	uploads, err := relay.NewUploadDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("upload dir: %v", err)
	}
	text := &stubText{answer: "4"}
	img := &stubImage{label: "happy"}
	pipeline, err := relay.New(relay.Options{
		Store:           store,
		Text:            text,
		Image:           img,
		Uploads:         uploads,
		AnalyzerTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	router, err := NewRouter(NewHandler(pipeline, store, 0, nil))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &testServer{router: router, store: store, text: text, image: img}
}

func (s *testServer) records(t *testing.T) []*models.InteractionRecord {
	t.Helper()
	recs, err := storage.Collect(s.store.List(context.Background(), storage.ListFilter{}))
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

func TestAskAPIStoresAnswer(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/ask", map[string]string{
		"name":     "Ada",
		"question": "What is 2+2?",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected %s header", requestIDHeader)
	}
	var body askResponse
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Answer != "4" || body.Status != "success" || body.Model != "test-model" {
		t.Fatalf("unexpected body: %+v", body)
	}

	recs := srv.records(t)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID != body.RecordID || recs[0].SubmittedBy != "Ada" || recs[0].Input != "What is 2+2?" || recs[0].Result != "4" {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}

func TestAskAPIValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/ask", map[string]string{"question": ""}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Error != "Question cannot be empty." {
		t.Fatalf("unexpected error message %q", body.Error)
	}
	if srv.text.calls != 0 {
		t.Fatalf("analyzer should not be called")
	}
	if n := len(srv.records(t)); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}

	bad := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader("{not json"))
	bad.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, bad)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestAskAPIAnalyzerFailureFallsBack(t *testing.T) {
	srv := newTestServer(t)
	srv.text.err = &analyzer.AnalysisError{Reason: analyzer.ReasonRateLimited, Err: errors.New("429")}

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/ask", map[string]string{"question": "hello"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body askResponse
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "fallback" || body.Answer != relay.SentinelQuota {
		t.Fatalf("unexpected body: %+v", body)
	}
	recs := srv.records(t)
	if len(recs) != 1 || recs[0].Result != relay.SentinelQuota || recs[0].Status != models.StatusFailed {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestAskPage(t *testing.T) {
	srv := newTestServer(t)
	srv.text.answer = "<b>bold</b>"

	resp := postForm(t, srv.router, "/ask", url.Values{"name": {"Ada"}, "question": {"markup?"}})
	assertStatus(t, resp, http.StatusOK)
	html := resp.Body.String()
	if !strings.Contains(html, "&lt;b&gt;bold&lt;/b&gt;") {
		t.Fatalf("expected escaped answer in page: %s", html)
	}

	resp = postForm(t, srv.router, "/ask", url.Values{"question": {"   "}})
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "Question cannot be empty.") {
		t.Fatalf("expected validation message in page")
	}
}

func TestIndexAndHealth(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `action="/upload"`) {
		t.Fatalf("index should contain the upload form")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestUploadAPI(t *testing.T) {
	srv := newTestServer(t)

	resp := postImage(t, srv.router, "/api/upload", "Cy", "me.png", pngBytes(t))
	assertStatus(t, resp, http.StatusOK)
	var body uploadResponse
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Emotion != "happy" || body.Status != "success" || body.RecordID == 0 {
		t.Fatalf("unexpected body: %+v", body)
	}
	recs := srv.records(t)
	if len(recs) != 1 || recs[0].Input != "me.png" || recs[0].Kind != models.KindImage {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestUploadPageNoFace(t *testing.T) {
	srv := newTestServer(t)
	srv.image.err = &analyzer.AnalysisError{Reason: analyzer.ReasonNoFace}

	resp := postImage(t, srv.router, "/upload", "", "wall.png", pngBytes(t))
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), relay.SentinelNoFace) {
		t.Fatalf("expected no-face sentinel in page")
	}
	recs := srv.records(t)
	if len(recs) != 1 || recs[0].Result != relay.SentinelNoFace || recs[0].SubmittedBy != models.AnonymousSubmitter {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestUploadRejectsInvalidImages(t *testing.T) {
	srv := newTestServer(t)

	resp := postImage(t, srv.router, "/api/upload", "", "notes.txt", []byte("just some text"))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = postForm(t, srv.router, "/api/upload", url.Values{"name": {"x"}})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = postImage(t, srv.router, "/upload", "", "broken.png", pngBytes(t)[:16])
	assertStatus(t, resp, http.StatusBadRequest)

	if srv.image.calls != 0 {
		t.Fatalf("analyzer should not be called for invalid uploads")
	}
	if n := len(srv.records(t)); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestLogsAPIStreamsMostRecentFirst(t *testing.T) {
	srv := newTestServer(t)
	for _, q := range []string{"first", "second", "third"} {
		resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/ask", map[string]string{"question": q}, nil)
		assertStatus(t, resp, http.StatusOK)
	}
	assertStatus(t, postImage(t, srv.router, "/api/upload", "", "face.png", pngBytes(t)), http.StatusOK)

	var all []models.InteractionRecord
	rec := get(t, srv.router, "/api/logs")
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec.Body.Bytes(), &all)
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	if all[0].Kind != models.KindImage || all[1].Input != "third" || all[3].Input != "first" {
		t.Fatalf("unexpected order: %+v", all)
	}

	var texts []models.InteractionRecord
	rec = get(t, srv.router, "/api/logs?kind=text&limit=2")
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec.Body.Bytes(), &texts)
	if len(texts) != 2 || texts[0].Input != "third" {
		t.Fatalf("unexpected filtered records: %+v", texts)
	}

	assertStatus(t, get(t, srv.router, "/api/logs?kind=audio"), http.StatusBadRequest)
	assertStatus(t, get(t, srv.router, "/api/logs?limit=-1"), http.StatusBadRequest)
}

func TestLogsAPIEmpty(t *testing.T) {
	srv := newTestServer(t)
	rec := get(t, srv.router, "/api/logs")
	assertStatus(t, rec, http.StatusOK)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", rec.Body.String())
	}
}

func TestLogsPage(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv.router, "/logs")
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "No interactions logged yet.") {
		t.Fatalf("expected empty log page")
	}

	long := strings.Repeat("x", 200) + "<script>"
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/ask", map[string]string{"name": "<i>Eve</i>", "question": long}, nil)
	assertStatus(t, resp, http.StatusOK)

	rec = get(t, srv.router, "/logs")
	assertStatus(t, rec, http.StatusOK)
	html := rec.Body.String()
	if strings.Contains(html, "<i>Eve</i>") || !strings.Contains(html, "&lt;i&gt;Eve&lt;/i&gt;") {
		t.Fatalf("submitter should be escaped")
	}
	if !strings.Contains(html, strings.Repeat("x", summaryLength)+"…") {
		t.Fatalf("expected summarized input")
	}

	assertStatus(t, get(t, srv.router, "/logs?kind=video"), http.StatusBadRequest)
}

func TestLogsPageShowsWholeLog(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 600; i++ {
		_, err := srv.store.Append(ctx, models.InteractionRecord{
			Kind:        models.KindText,
			SubmittedBy: "Ada",
			Input:       fmt.Sprintf("question %d", i),
			Result:      "ok",
			Status:      models.StatusOK,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	for path, want := range map[string]int{
		"/logs":            600,
		"/logs?limit=0":    600,
		"/logs?limit=25":   25,
		"/logs?kind=image": 0,
	} {
		rec := get(t, srv.router, path)
		assertStatus(t, rec, http.StatusOK)
		html := rec.Body.String()
		if got := strings.Count(html, `<tr class="ok">`); got != want {
			t.Fatalf("%s: expected %d rows, got %d", path, want, got)
		}
		if want == 0 && !strings.Contains(html, "No interactions logged yet.") {
			t.Fatalf("%s: expected empty message", path)
		}
	}

	html := get(t, srv.router, "/logs").Body.String()
	if !strings.Contains(html, "question 0<") || strings.Index(html, "question 599<") > strings.Index(html, "question 0<") {
		t.Fatalf("expected oldest row last")
	}
}

type countingRelay struct {
	uploads int
}

func (r *countingRelay) Ask(context.Context, relay.TextSubmission) (*relay.Outcome, error) {
	return &relay.Outcome{}, nil
}

func (r *countingRelay) Upload(context.Context, relay.ImageSubmission) (*relay.Outcome, error) {
	r.uploads++
	return &relay.Outcome{Result: "happy"}, nil
}

func TestUploadPageEnforcesBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := &countingRelay{}
	router, err := NewRouter(NewHandler(rl, nil, 0, nil))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	resp := postImage(t, router, "/upload", "Ada", "huge.png", make([]byte, maxUploadBody+1))
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "Image is too large.") {
		t.Fatalf("expected size message, got %s", resp.Body.String())
	}
	if rl.uploads != 0 {
		t.Fatalf("oversized body should be rejected before the relay")
	}

	resp = postImage(t, router, "/upload", "Ada", "small.png", pngBytes(t))
	assertStatus(t, resp, http.StatusOK)
	if rl.uploads != 1 || !strings.Contains(resp.Body.String(), "Ada") {
		t.Fatalf("expected accepted upload with name kept, got %d uploads", rl.uploads)
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize("short"); got != "short" {
		t.Fatalf("unexpected summary %q", got)
	}
	if got := summarize(strings.Repeat("é", 100)); got != strings.Repeat("é", summaryLength)+"…" {
		t.Fatalf("unexpected summary %q", got)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postForm(t *testing.T, router *gin.Engine, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postImage(t *testing.T, router *gin.Engine, path, name, fileName string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if name != "" {
		if err := w.WriteField("name", name); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := w.CreateFormFile("image", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
