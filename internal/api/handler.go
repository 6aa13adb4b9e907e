package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/csvparser"
	"mailqueue/internal/db"
	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

// Queue is the part of the coordinator the API exposes.
type Queue interface {
	Enqueue(ctx context.Context, content models.Content, urgent bool) (string, error)
	Stats(ctx context.Context) (models.Stats, error)
	Failed(ctx context.Context, limit int) ([]*models.EmailJob, error)
	RetryFailed(ctx context.Context, max int) (int, error)
	Cleanup(ctx context.Context, age time.Duration) (int64, error)
	ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	Drain(ctx context.Context, max int) (int, error)
}

type Handler struct {
	Queue Queue
	Log   *zap.Logger

	// StuckAfter is the reset-stuck threshold when the request names none.
	StuckAfter time.Duration
	// MaxBulkRows caps a single CSV upload.
	MaxBulkRows int
}

type sendRequest struct {
	models.Content
	Urgent bool `json:"urgent"`
}

// POST /send
// 202: { "id": "..." }
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	id, err := h.Queue.Enqueue(r.Context(), req.Content, req.Urgent)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id": id,
	})
}

type bulkRejection struct {
	Line  int    `json:"line"`
	Email string `json:"email"`
	Error string `json:"error"`
}

// POST /send/bulk
// Body is either multipart (file + subject/body/html_body/template_id
// fields) or raw text/csv with the same values as query parameters.
// 202: { "accepted": n, "ids": [...], "rejected": [...] }
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var (
		src    io.Reader
		values func(string) string
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()
		src = file
		values = r.FormValue
	} else {
		src = io.LimitReader(r.Body, 10<<20)
		values = r.URL.Query().Get
	}

	rows, err := csvparser.ReadRows(src, h.MaxBulkRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	base := models.Content{
		Subject:    values("subject"),
		Body:       values("body"),
		HTMLBody:   values("html_body"),
		TemplateID: values("template_id"),
	}
	urgent, _ := strconv.ParseBool(values("urgent"))

	ids := make([]string, 0, len(rows))
	rejected := make([]bulkRejection, 0)

	for i, content := range csvparser.Contents(rows, base) {
		id, err := h.Queue.Enqueue(r.Context(), content, urgent)
		if err != nil {
			rejected = append(rejected, bulkRejection{
				Line:  rows[i].Line,
				Email: rows[i].Email,
				Error: err.Error(),
			})
			continue
		}
		ids = append(ids, id)
	}

	h.Log.Info("bulk enqueue",
		zap.Int("accepted", len(ids)),
		zap.Int("rejected", len(rejected)),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(ids),
		"ids":      ids,
		"rejected": rejected,
	})
}

// GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
// 200 when the store answers, 503 otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"error":   err.Error(),
			"running": stats.Running,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": stats.Running,
	})
}

// GET /jobs/failed?limit=
func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 50, 1)
	if !ok {
		return
	}
	if limit > 500 {
		limit = 500
	}

	jobs, err := h.Queue.Failed(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// POST /jobs/retry-failed?max=
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	max, ok := intParam(w, r, "max", 100, 1)
	if !ok {
		return
	}

	n, err := h.Queue.RetryFailed(r.Context(), max)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// POST /jobs/cleanup?days=
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("days") == "" {
		writeError(w, http.StatusBadRequest, "days is required")
		return
	}
	days, ok := intParam(w, r, "days", 0, 0)
	if !ok {
		return
	}

	n, err := h.Queue.Cleanup(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// POST /jobs/reset-stuck?minutes=
func (h *Handler) ResetStuck(w http.ResponseWriter, r *http.Request) {
	def := int(h.StuckAfter / time.Minute)
	if def <= 0 {
		def = 10
	}
	minutes, ok := intParam(w, r, "minutes", def, 1)
	if !ok {
		return
	}

	n, err := h.Queue.ResetStuck(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

// POST /jobs/drain?max=
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	max, ok := intParam(w, r, "max", 0, 0)
	if !ok {
		return
	}

	n, err := h.Queue.Drain(r.Context(), max)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": n})
}

// ----------------------------
// Helpers
// ----------------------------

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case db.IsUnavailable(err):
		h.Log.Error("store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// intParam reads an integer query parameter, writing a 400 when it is not a
// number or is below min.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, min int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		writeError(w, http.StatusBadRequest, name+" must be an integer >= "+strconv.Itoa(min))
		return 0, false
	}
	return n, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("only one JSON object is allowed")
	}

	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
