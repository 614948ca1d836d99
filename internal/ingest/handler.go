package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"procodus.dev/hydro-ingest/pkg/metrics"
	"procodus.dev/hydro-ingest/pkg/mq"
)

// Processor executes the accept path for a job. Implemented by
// Pipeline; stubbed in tests.
type Processor interface {
	Process(ctx context.Context, job *Job) (*Outcome, error)
}

// HandlerConfig holds the configuration for the ingest Handler.
type HandlerConfig struct {
	Logger     *slog.Logger
	Normalizer *Normalizer
	Auth       *Authenticator

	// Processor runs jobs inline. Ignored when Queue is set.
	Processor Processor

	// Queue, when non-nil, switches the handler to asynchronous
	// dispatch: jobs are enqueued and the caller gets an immediate
	// "queued" acknowledgment.
	Queue mq.ClientInterface

	MaxBodyBytes  int64
	MaxPhotoBytes int64

	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Handler serves POST /api/ingest.
type Handler struct {
	logger     *slog.Logger
	normalizer *Normalizer
	auth       *Authenticator
	processor  Processor
	queue      mq.ClientInterface
	maxBody    int64
	maxPhoto   int64
	metrics    *metrics.IngestMetrics
}

// NewHandler creates a new ingest Handler.
func NewHandler(cfg *HandlerConfig) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("handler config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Normalizer == nil {
		return nil, errors.New("normalizer cannot be nil")
	}

	if cfg.Auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}

	if cfg.Queue == nil && cfg.Processor == nil {
		return nil, errors.New("either a processor or a queue is required")
	}

	if cfg.MaxBodyBytes <= 0 {
		return nil, errors.New("max body size must be positive")
	}

	if cfg.MaxPhotoBytes <= 0 {
		return nil, errors.New("max photo size must be positive")
	}

	return &Handler{
		logger:     cfg.Logger,
		normalizer: cfg.Normalizer,
		auth:       cfg.Auth,
		processor:  cfg.Processor,
		queue:      cfg.Queue,
		maxBody:    cfg.MaxBodyBytes,
		maxPhoto:   cfg.MaxPhotoBytes,
		metrics:    cfg.Metrics,
	}, nil
}

// acceptedResponse is the 202 body. ReadingID echoes the
// client-supplied identifier and is null when none was sent.
type acceptedResponse struct {
	Status    string  `json:"status"`
	JobID     string  `json:"jobId,omitempty"`
	ReadingID *string `json:"reading_id"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details []FieldIssue `json:"details,omitempty"`
}

// ServeIngest handles a single submission: decode by content type,
// normalize, authenticate, then enqueue or process inline. The caller
// always receives a definitive status code and JSON body.
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		contentType = ""
	}
	isJPEG := contentType == "image/jpeg"

	rawMeta, photo, rej := h.decodeBody(w, r, contentType)
	if rej != nil {
		h.reject(w, rej, nil)
		return
	}

	meta, issues := h.normalizer.Normalize(rawMeta, r.URL.Query(), isJPEG)
	if len(issues) > 0 {
		h.logger.Warn("invalid_meta", "issues", issues)
		h.reject(w, &Rejection{Code: "invalid_meta", Status: http.StatusBadRequest}, issues)
		return
	}

	creds := &Credentials{
		Token:     BearerFromRequest(r),
		Signature: r.Header.Get(headerSignature),
		PhotoHash: r.Header.Get(headerPhotoHash),
	}

	if _, err := h.auth.Authenticate(r.Context(), meta, creds, photo); err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			h.reject(w, rej, nil)
			return
		}
		h.serverError(w, "authentication dependency failure", err)
		return
	}

	h.logger.Info("photo_info",
		"is_jpeg", isJPEG,
		"photo_size", len(photo),
		"has_level", meta.LevelM != nil,
	)

	if h.queue != nil {
		h.dispatchQueued(r.Context(), w, meta, photo, start)
		return
	}
	h.dispatchInline(r.Context(), w, meta, photo, start)
}

// dispatchQueued enqueues the job and acknowledges immediately.
func (h *Handler) dispatchQueued(ctx context.Context, w http.ResponseWriter, meta *Meta, photo []byte, start time.Time) {
	job := &Job{
		JobID: uuid.NewString(),
		Meta:  *meta,
		Photo: photo,
	}

	data, err := json.Marshal(job)
	if err != nil {
		h.serverError(w, "failed to marshal job", err)
		return
	}

	if err := h.queue.Push(ctx, data); err != nil {
		h.serverError(w, "failed to enqueue job", err)
		return
	}

	h.observe("queued", "queue", start)
	h.respond(w, http.StatusAccepted, &acceptedResponse{
		Status:    "queued",
		JobID:     job.JobID,
		ReadingID: nullableID(meta.ReadingID),
	})
}

// dispatchInline runs the pipeline synchronously.
func (h *Handler) dispatchInline(ctx context.Context, w http.ResponseWriter, meta *Meta, photo []byte, start time.Time) {
	job := &Job{Meta: *meta, Photo: photo}

	if _, err := h.processor.Process(ctx, job); err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			h.reject(w, rej, nil)
			return
		}
		h.serverError(w, "pipeline failure", err)
		return
	}

	h.observe("processed", "inline", start)
	h.respond(w, http.StatusAccepted, &acceptedResponse{
		Status:    "processed",
		ReadingID: nullableID(meta.ReadingID),
	})
}

// decodeBody extracts the raw meta map and photo bytes from whichever
// transport carried them.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, contentType string) (map[string]any, []byte, *Rejection) {
	switch contentType {
	case "application/json":
		body := http.MaxBytesReader(w, r.Body, h.maxBody)
		var raw map[string]any
		if err := json.NewDecoder(body).Decode(&raw); err != nil {
			if isMaxBytes(err) {
				return nil, nil, ErrPayloadTooLarge
			}
			// an unreadable body normalizes to an empty meta, which then
			// fails validation with itemized issues
			return map[string]any{}, nil, nil
		}
		return raw, nil, nil

	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
		if err := r.ParseMultipartForm(h.maxBody); err != nil {
			return nil, nil, ErrPayloadTooLarge
		}

		raw := map[string]any{}
		if metaText := r.FormValue("meta"); metaText != "" {
			if err := json.Unmarshal([]byte(metaText), &raw); err != nil {
				raw = map[string]any{}
			}
		}

		photo, rej := h.readPhotoPart(r)
		if rej != nil {
			return nil, nil, rej
		}
		return raw, photo, nil

	case "image/jpeg":
		photo, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPhoto))
		if err != nil {
			return nil, nil, ErrPayloadTooLarge
		}
		return map[string]any{}, photo, nil

	default:
		// meta may still arrive via query parameters
		return map[string]any{}, nil, nil
	}
}

// readPhotoPart reads the optional multipart photo file, enforcing the
// JPEG-only and size constraints.
func (h *Handler) readPhotoPart(r *http.Request) ([]byte, *Rejection) {
	file, header, err := r.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrPayloadTooLarge
	}
	defer file.Close()

	if !isJPEGPart(header) {
		return nil, ErrPayloadTooLarge
	}
	if header.Size > h.maxPhoto {
		return nil, ErrPayloadTooLarge
	}

	photo, err := io.ReadAll(io.LimitReader(file, h.maxPhoto+1))
	if err != nil {
		return nil, ErrPayloadTooLarge
	}
	if int64(len(photo)) > h.maxPhoto {
		return nil, ErrPayloadTooLarge
	}
	return photo, nil
}

// isJPEGPart accepts a declared image/jpeg content type or a .jpg/.jpeg
// filename, matching what the field devices actually send.
func isJPEGPart(header *multipart.FileHeader) bool {
	if strings.EqualFold(header.Header.Get("Content-Type"), "image/jpeg") {
		return true
	}
	name := strings.ToLower(header.Filename)
	return strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg")
}

func (h *Handler) reject(w http.ResponseWriter, rej *Rejection, details []FieldIssue) {
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(rej.Code).Inc()
		h.metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
	}
	h.respond(w, rej.Status, &errorResponse{Error: rej.Code, Details: details})
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	if h.metrics != nil {
		h.metrics.SubmissionsTotal.WithLabelValues("server_error").Inc()
	}
	h.respond(w, http.StatusInternalServerError, &errorResponse{Error: "server_error"})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) observe(status, path string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.SubmissionsTotal.WithLabelValues(status).Inc()
	h.metrics.ProcessDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

func isMaxBytes(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
