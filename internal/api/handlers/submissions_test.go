package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/fieldsync/internal/events"
	"github.com/civiq/fieldsync/internal/queue"
	"github.com/civiq/fieldsync/internal/remote"
	"github.com/civiq/fieldsync/internal/store"
)

type stubSubmitter struct{}

func (stubSubmitter) Submit(context.Context, remote.Report, []remote.Attachment) (remote.SubmitResult, error) {
	return remote.SubmitResult{RecordID: "rec-1", ReferenceNumber: "REF-1"}, nil
}

// newTestRouter wires a handler over an offline queue so submissions
// stay queued and responses are deterministic.
func newTestRouter(t *testing.T, cfg queue.Config) (*gin.Engine, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, stubSubmitter{}, events.NewBus(), func() bool { return false }, cfg)

	router := gin.New()
	NewSubmissionHandler(q).RegisterRoutes(router.Group("/api"))
	return router, q
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for name, value := range fields {
		require.NoError(t, mw.WriteField(name, value))
	}
	for name, data := range files {
		part, err := mw.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = io.Copy(part, bytes.NewReader(data))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"title":     "Fallen tree blocking sidewalk",
		"category":  "parks",
		"severity":  "high",
		"latitude":  "47.3769",
		"longitude": "8.5417",
		"address":   "Seefeldstrasse 20",
	}
}

func doRequest(router *gin.Engine, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSubmission(t *testing.T) {
	router, q := newTestRouter(t, queue.Config{})

	body, contentType := multipartBody(t, validFields(), map[string][]byte{
		"photo.jpg": []byte("jpeg bytes"),
	})
	w := doRequest(router, http.MethodPost, "/api/submissions", body, contentType)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	item, err := q.Get(resp["id"])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, item.Status)
	assert.Equal(t, "Fallen tree blocking sidewalk", item.Report.Title)
	assert.Len(t, item.Attachments, 1)
	assert.Equal(t, int64(len("jpeg bytes")), item.Attachments[0].Size)
}

func TestCreateSubmissionValidation(t *testing.T) {
	router, _ := newTestRouter(t, queue.Config{})

	cases := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing title", func(f map[string]string) { delete(f, "title") }},
		{"missing category", func(f map[string]string) { delete(f, "category") }},
		{"bad latitude", func(f map[string]string) { f["latitude"] = "north" }},
		{"bad longitude", func(f map[string]string) { f["longitude"] = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := validFields()
			tc.mutate(fields)
			body, contentType := multipartBody(t, fields, nil)
			w := doRequest(router, http.MethodPost, "/api/submissions", body, contentType)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateSubmissionNotMultipart(t *testing.T) {
	router, _ := newTestRouter(t, queue.Config{})
	w := doRequest(router, http.MethodPost, "/api/submissions", bytes.NewBufferString(`{"title":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSubmissionOversizedAttachment(t *testing.T) {
	router, _ := newTestRouter(t, queue.Config{MaxFileBytes: 8, MaxTotalBytes: 16})

	body, contentType := multipartBody(t, validFields(), map[string][]byte{
		"big.jpg": []byte("more than eight bytes"),
	})
	w := doRequest(router, http.MethodPost, "/api/submissions", body, contentType)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestListAndGetSubmissions(t *testing.T) {
	router, q := newTestRouter(t, queue.Config{})

	id, err := q.Enqueue(context.Background(), remote.Report{
		Title: "Graffiti", Category: "vandalism", Latitude: 1, Longitude: 2,
	}, nil)
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/submissions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Submissions []SubmissionResponse `json:"submissions"`
		Count       int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doRequest(router, http.MethodGet, "/api/submissions/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got SubmissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "queued", got.Status)

	w = doRequest(router, http.MethodGet, "/api/submissions/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Status filter that matches nothing.
	w = doRequest(router, http.MethodGet, "/api/submissions?status=failed", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)
}

func TestCancelSubmission(t *testing.T) {
	router, q := newTestRouter(t, queue.Config{})

	id, err := q.Enqueue(context.Background(), remote.Report{Title: "t", Category: "c"}, nil)
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, fmt.Sprintf("/api/submissions/%s/cancel", id), nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Cancelling twice hits the terminal-state guard.
	w = doRequest(router, http.MethodPost, fmt.Sprintf("/api/submissions/%s/cancel", id), nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/submissions/nope/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetrySubmission(t *testing.T) {
	router, q := newTestRouter(t, queue.Config{})

	id, err := q.Enqueue(context.Background(), remote.Report{Title: "t", Category: "c"}, nil)
	require.NoError(t, err)

	// Queued submissions cannot be manually retried.
	w := doRequest(router, http.MethodPost, fmt.Sprintf("/api/submissions/%s/retry", id), nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/submissions/nope/retry", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	router, q := newTestRouter(t, queue.Config{})

	_, err := q.Enqueue(context.Background(), remote.Report{Title: "t", Category: "c"}, nil)
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/queue", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Total)
}

func TestProcessQueueEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, queue.Config{})
	w := doRequest(router, http.MethodPost, "/api/queue/process", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

// blockingSubmitter parks the upload until released and fails when its
// context died while it waited.
type blockingSubmitter struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *blockingSubmitter) Submit(ctx context.Context, _ remote.Report, _ []remote.Attachment) (remote.SubmitResult, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return remote.SubmitResult{}, &remote.Error{Kind: remote.FailureNetwork, Message: err.Error()}
	}
	return remote.SubmitResult{RecordID: "rec-1", ReferenceNumber: "REF-1"}, nil
}

func TestProcessQueueOutlivesRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	submitter := &blockingSubmitter{started: make(chan struct{}), release: make(chan struct{})}
	var online atomic.Bool
	q := queue.New(st, submitter, events.NewBus(), online.Load, queue.Config{})

	router := gin.New()
	NewSubmissionHandler(q).RegisterRoutes(router.Group("/api"))

	id, err := q.Enqueue(context.Background(), remote.Report{Title: "t", Category: "c", Latitude: 1, Longitude: 2}, nil)
	require.NoError(t, err)
	online.Store(true)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/queue/process", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	// The server reclaims the request context once the response is
	// written. The upload it kicked off must not notice.
	cancelReq()
	<-submitter.started
	close(submitter.release)

	require.Eventually(t, func() bool {
		item, err := q.Get(id)
		return err == nil && item.Status == queue.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, item.RetryCount)
	assert.Empty(t, item.ErrorMessage)
}

func TestClearCompletedEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, queue.Config{})

	w := doRequest(router, http.MethodDelete, "/api/queue/completed", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp["cleared"])
}
