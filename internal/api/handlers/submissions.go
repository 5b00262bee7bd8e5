package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/civiq/fieldsync/internal/queue"
	"github.com/civiq/fieldsync/internal/remote"
)

type SubmissionResponse struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Status          string  `json:"status"`
	Progress        int     `json:"progress"`
	RetryCount      int     `json:"retry_count"`
	MaxRetries      int     `json:"max_retries"`
	NextRetryAt     *string `json:"next_retry_at,omitempty"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	AttachmentCount int     `json:"attachment_count"`
	TotalBytes      int64   `json:"total_bytes"`
	RecordID        string  `json:"record_id,omitempty"`
	ReferenceNumber string  `json:"reference_number,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type SubmissionHandler struct {
	queue *queue.Queue
}

func NewSubmissionHandler(q *queue.Queue) *SubmissionHandler {
	return &SubmissionHandler{queue: q}
}

func (h *SubmissionHandler) CreateSubmission(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form"})
		return
	}

	report, err := parseReport(form)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attachments, err := readAttachments(form.File["attachments"])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.queue.Enqueue(c.Request.Context(), report, attachments)
	if err != nil {
		if errors.Is(err, queue.ErrAttachmentTooLarge) || errors.Is(err, queue.ErrQueueBytesExceeded) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue submission"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      id,
		"message": "submission queued",
	})
}

func parseReport(form *multipart.Form) (remote.Report, error) {
	value := func(name string) string {
		if vs := form.Value[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	report := remote.Report{
		Title:       value("title"),
		Description: value("description"),
		Category:    value("category"),
		Severity:    value("severity"),
		Address:     value("address"),
		Landmark:    value("landmark"),
	}

	if report.Title == "" {
		return report, fmt.Errorf("title is required")
	}
	if report.Category == "" {
		return report, fmt.Errorf("category is required")
	}

	lat, err := strconv.ParseFloat(value("latitude"), 64)
	if err != nil {
		return report, fmt.Errorf("invalid latitude")
	}
	lon, err := strconv.ParseFloat(value("longitude"), 64)
	if err != nil {
		return report, fmt.Errorf("invalid longitude")
	}
	report.Latitude = lat
	report.Longitude = lon

	if v := value("is_public"); v != "" {
		report.IsPublic, _ = strconv.ParseBool(v)
	}
	if v := value("is_anonymous"); v != "" {
		report.IsAnonymous, _ = strconv.ParseBool(v)
	}

	return report, nil
}

func readAttachments(files []*multipart.FileHeader) ([]remote.Attachment, error) {
	var attachments []remote.Attachment
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open attachment %s", fh.Filename)
		}

		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s", fh.Filename)
		}

		attachments = append(attachments, remote.Attachment{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        int64(len(data)),
			Data:        data,
		})
	}
	return attachments, nil
}

func (h *SubmissionHandler) ListSubmissions(c *gin.Context) {
	status := queue.Status(c.Query("status"))

	items := h.queue.List(status)
	responses := make([]SubmissionResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, toResponse(item))
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": responses,
		"count":       len(responses),
	})
}

func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	item, err := h.queue.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		return
	}

	c.JSON(http.StatusOK, toResponse(item))
}

func (h *SubmissionHandler) CancelSubmission(c *gin.Context) {
	cancelled, err := h.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "submission is uploading, try again once the attempt finishes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "submission cancelled"})
}

func (h *SubmissionHandler) RetrySubmission(c *gin.Context) {
	if err := h.queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "only failed submissions can be retried"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "submission queued for retry"})
}

func (h *SubmissionHandler) GetQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.GetStats())
}

func (h *SubmissionHandler) ProcessQueue(c *gin.Context) {
	h.queue.ProcessQueue()
	c.JSON(http.StatusAccepted, gin.H{"message": "queue processing triggered"})
}

func (h *SubmissionHandler) ClearCompleted(c *gin.Context) {
	cleared := h.queue.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func toResponse(item *queue.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		ID:              item.ID,
		Title:           item.Report.Title,
		Category:        item.Report.Category,
		Severity:        item.Report.Severity,
		Status:          string(item.Status),
		Progress:        item.Progress,
		RetryCount:      item.RetryCount,
		MaxRetries:      item.MaxRetries,
		FailureReason:   item.FailureReason,
		ErrorMessage:    item.ErrorMessage,
		AttachmentCount: len(item.Attachments),
		TotalBytes:      item.TotalBytes(),
		RecordID:        item.RecordID,
		ReferenceNumber: item.ReferenceNumber,
		CreatedAt:       item.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:       item.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	if item.NextRetryAt != nil {
		s := item.NextRetryAt.Format("2006-01-02T15:04:05Z07:00")
		resp.NextRetryAt = &s
	}

	return resp
}

func (h *SubmissionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/submissions", h.CreateSubmission)
	r.GET("/submissions", h.ListSubmissions)
	r.GET("/submissions/:id", h.GetSubmission)
	r.POST("/submissions/:id/cancel", h.CancelSubmission)
	r.POST("/submissions/:id/retry", h.RetrySubmission)
	r.GET("/queue", h.GetQueueStats)
	r.POST("/queue/process", h.ProcessQueue)
	r.DELETE("/queue/completed", h.ClearCompleted)
}
