// Package remote talks to the backend record service: the multipart
// create-record call the queue drains into, and the lightweight health
// probe. All failures are mapped onto a small taxonomy the queue uses
// to decide retryability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type FailureKind string

const (
	FailureNetwork         FailureKind = "network_error"
	FailureServer          FailureKind = "server_error"
	FailureValidation      FailureKind = "validation_error"
	FailurePayloadTooLarge FailureKind = "payload_too_large"
	FailureQuotaExceeded   FailureKind = "quota_exceeded"
	FailureUnknown         FailureKind = "unknown_error"
)

type Error struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether an attempt that failed this way may be
// tried again. Unknown failures default to retryable; the retry budget
// bounds them.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case FailureNetwork, FailureServer, FailureUnknown:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP response code onto the failure taxonomy.
func ClassifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusRequestEntityTooLarge:
		return FailurePayloadTooLarge
	case code == http.StatusTooManyRequests:
		return FailureQuotaExceeded
	case code >= 500:
		return FailureServer
	case code >= 400:
		return FailureValidation
	default:
		return FailureUnknown
	}
}

// Report holds the scalar fields of one citizen-submitted record.
type Report struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Severity    string  `json:"severity"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Address     string  `json:"address"`
	Landmark    string  `json:"landmark,omitempty"`
	IsPublic    bool    `json:"is_public"`
	IsAnonymous bool    `json:"is_anonymous"`
}

// Attachment is a media payload captured before enqueue; Size is known
// up front so the queue can enforce byte ceilings without decoding.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
}

type SubmitResult struct {
	RecordID        string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
}

type ProbeResult struct {
	Reachable      bool
	ResponseTimeMs int64
	CheckedAt      time.Time
}

// Submitter is what the queue actually depends on.
type Submitter interface {
	Submit(ctx context.Context, report Report, attachments []Attachment) (SubmitResult, error)
}

type Config struct {
	BaseURL       string
	SubmitTimeout time.Duration
	ProbeTimeout  time.Duration
	ProbePath     string
}

type Client struct {
	baseURL     string
	probePath   string
	httpClient  *http.Client
	probeClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/health"
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		probePath: cfg.ProbePath,
		httpClient: &http.Client{
			Timeout: cfg.SubmitTimeout,
		},
		probeClient: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
	}
}

// Submit posts one report as a multipart request. Scalar fields are
// inlined as form values, attachments streamed as file parts.
func (c *Client) Submit(ctx context.Context, report Report, attachments []Attachment) (SubmitResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeSubmitBody(mw, report, attachments))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/reports", pr)
	if err != nil {
		return SubmitResult{}, &Error{Kind: FailureUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and timeouts are both network errors.
		return SubmitResult{}, &Error{Kind: FailureNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResult{}, &Error{
			Kind:       ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body, resp.StatusCode),
		}
	}

	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SubmitResult{}, &Error{Kind: FailureUnknown, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if result.RecordID == "" {
		return SubmitResult{}, &Error{Kind: FailureUnknown, Message: "response missing record id"}
	}

	return result, nil
}

func writeSubmitBody(mw *multipart.Writer, report Report, attachments []Attachment) error {
	fields := map[string]string{
		"title":        report.Title,
		"description":  report.Description,
		"category":     report.Category,
		"severity":     report.Severity,
		"latitude":     strconv.FormatFloat(report.Latitude, 'f', -1, 64),
		"longitude":    strconv.FormatFloat(report.Longitude, 'f', -1, 64),
		"address":      report.Address,
		"is_public":    strconv.FormatBool(report.IsPublic),
		"is_anonymous": strconv.FormatBool(report.IsAnonymous),
	}
	if report.Landmark != "" {
		fields["landmark"] = report.Landmark
	}

	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	for _, att := range attachments {
		part, err := mw.CreateFormFile("attachments", att.Name)
		if err != nil {
			return fmt.Errorf("create file part %s: %w", att.Name, err)
		}
		if _, err := io.Copy(part, bytes.NewReader(att.Data)); err != nil {
			return fmt.Errorf("stream attachment %s: %w", att.Name, err)
		}
	}

	return mw.Close()
}

func errorMessage(body []byte, statusCode int) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return http.StatusText(statusCode)
}

// Probe issues the lightweight reachability GET. An unreachable backend
// is an expected outcome, not an application error, so the result
// carries the verdict instead of an error.
func (c *Client) Probe(ctx context.Context) ProbeResult {
	started := time.Now()
	result := ProbeResult{CheckedAt: started}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.probePath, nil)
	if err != nil {
		return result
	}

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.ResponseTimeMs = time.Since(started).Milliseconds()
	result.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 400

	return result
}
