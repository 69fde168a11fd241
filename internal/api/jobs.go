package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/randomizedcoder/go-rserve-pool/internal/job"
	"github.com/randomizedcoder/go-rserve-pool/internal/pool"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxCommands      = 1000

	// retryAfterSeconds is sent with 503 when every worker is busy.
	retryAfterSeconds = 1
)

// submitJobRequest is the JSON body for POST /v1/jobs.
type submitJobRequest struct {
	Commands []commandRequest `json:"commands"`
	Timeout  string           `json:"timeout,omitempty"`

	// Start is the forecast start date some clients send. It is validated
	// and otherwise ignored.
	Start string `json:"start,omitempty"`
}

type commandRequest struct {
	Op       string `json:"op"`
	Expr     string `json:"expr,omitempty"`
	Var      string `json:"var,omitempty"`
	Retrieve bool   `json:"retrieve,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*job.Record `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// sequence converts the request into a job.Sequence.
func (req *submitJobRequest) sequence() (*job.Sequence, error) {
	if len(req.Commands) > maxCommands {
		return nil, fmt.Errorf("at most %d commands per job", maxCommands)
	}
	seq := &job.Sequence{}
	for i, c := range req.Commands {
		var cmd job.Command
		switch c.Op {
		case "eval", "":
			if c.Var == "" {
				cmd = job.Eval(c.Expr)
			} else {
				cmd = job.EvalInto(c.Var, c.Expr, c.Retrieve)
			}
		case "assign":
			v, err := rserve.FromGo(c.Value)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			cmd = job.Assign(c.Var, v)
		default:
			return nil, fmt.Errorf("step %d: unknown op %q", i, c.Op)
		}
		if err := seq.Add(cmd); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

// timeout parses the requested run deadline.
func (req *submitJobRequest) timeout(def, max time.Duration) (time.Duration, error) {
	if req.Timeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(req.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	if d <= 0 || d > max {
		return 0, fmt.Errorf("timeout must be in (0, %v]", max)
	}
	return d, nil
}

// validateStart accepts an RFC 3339 timestamp or a plain date.
func validateStart(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return nil
	}
	return fmt.Errorf("invalid start %q: want RFC 3339 or YYYY-MM-DD", s)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	seq, err := req.sequence()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := req.timeout(s.opts.JobTimeout, s.opts.MaxJobTimeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStart(req.Start); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.jobs.Submit(r.Context(), seq, timeout)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, pool.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		s.writeError(w, http.StatusServiceUnavailable, "all workers busy")
	case errors.Is(err, pool.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "pool is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run job")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "job history disabled")
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "job history disabled")
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*job.Record{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "job history disabled")
		return
	}
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		s.logger.Error("job summary", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarise jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
