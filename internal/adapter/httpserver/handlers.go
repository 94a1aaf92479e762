package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/comfy-queue/internal/config"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
	"github.com/fairyhunter13/comfy-queue/internal/service/ratelimiter"
	"github.com/fairyhunter13/comfy-queue/internal/usecase"
)

const (
	maxBodyBytes         = 1 << 20
	maxIdempotencyKeyLen = 200
	defaultListLimit     = 20
	maxListLimit         = 100
)

// Server bundles the job API handlers and their services.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Query  usecase.QueryService
	Cancel usecase.CancelService
	Broker domain.ProgressBroker
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, cancel usecase.CancelService, broker domain.ProgressBroker) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, Cancel: cancel, Broker: broker}
}

type submitResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	QueuedAt string `json:"queued_at"`
	Location string `json:"location"`
}

// SubmitJobHandler accepts a generation request and returns 202 with the job
// handle. Replays of a bound idempotency key return the existing job.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())

		idemKey := r.Header.Get("Idempotency-Key")
		if len(idemKey) > maxIdempotencyKeyLen {
			writeError(w, r, fmt.Errorf("%w: Idempotency-Key exceeds %d bytes", domain.ErrInvalidArgument, maxIdempotencyKeyLen),
				[]domain.FieldViolation{{Field: "Idempotency-Key", Constraint: fmt.Sprintf("max=%d", maxIdempotencyKeyLen)}})
			return
		}

		var req domain.GenerationRequest
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		_, _ = io.Copy(io.Discard, body)

		req.ApplyDefaults()
		quota := ratelimiter.QuotaFor(p.Role)
		if violations, err := req.Validate(quota.MaxBatch); err != nil {
			writeError(w, r, err, violations)
			return
		}

		out, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			Request:        req,
			Owner:          p.Token,
			Role:           p.Role,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		LoggerFrom(r).Info("job accepted",
			slog.String("job_id", out.Job.ID),
			slog.Bool("existing", out.Existing))
		writeJSON(w, http.StatusAccepted, submitResponse{
			JobID:    out.Job.ID,
			Status:   string(out.Job.Status),
			QueuedAt: out.Job.QueuedAt.UTC().Format(time.RFC3339Nano),
			Location: "/api/v1/jobs/" + out.Job.ID,
		})
	}
}

type jobTimestamps struct {
	QueuedAt   string `json:"queued_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type jobResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	SubmittedBy string          `json:"submitted_by"`
	Params      json.RawMessage `json:"params"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Timestamps  jobTimestamps   `json:"timestamps"`
}

func toJobResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		JobID:       j.ID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		SubmittedBy: j.OwnerToken,
		Params:      json.RawMessage(j.ParamsJSON),
		Timestamps:  jobTimestamps{QueuedAt: j.QueuedAt.UTC().Format(time.RFC3339Nano)},
	}
	if j.ResultJSON != "" {
		resp.Result = json.RawMessage(j.ResultJSON)
	}
	if j.ErrorJSON != "" {
		resp.Error = json.RawMessage(j.ErrorJSON)
	}
	if j.StartedAt != nil {
		resp.Timestamps.StartedAt = j.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		resp.Timestamps.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// GetJobHandler returns the job record translated to the response shape.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		j, err := s.Query.Get(r.Context(), chi.URLParam(r, "id"), p.Token, p.Role)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(j))
	}
}

// ListJobsHandler returns the caller's jobs newest-first with limit/offset
// pagination.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		limit := queryInt(r, "limit", defaultListLimit)
		if limit > maxListLimit {
			limit = maxListLimit
		}
		offset := queryInt(r, "offset", 0)

		jobs, err := s.Query.List(r.Context(), p.Token, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out, "count": len(out)})
	}
}

type cancelResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelJobHandler requests cancellation; 202 on queued and running jobs.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		j, err := s.Cancel.Cancel(r.Context(), chi.URLParam(r, "id"), p.Token, p.Role)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, cancelResponse{
			JobID:   j.ID,
			Status:  string(j.Status),
			Message: "Cancellation requested",
		})
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
