// Package operatorapi is the relayer's operator surface: read-only job
// lookups plus a manual reconcile trigger. It is meant to sit behind the
// operator's network boundary and still requires a bearer token.
package operatorapi

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilbridge/relayer/internal/reconciler"
	"github.com/veilbridge/relayer/internal/relay"
)

var ErrInvalidConfig = errors.New("operatorapi: invalid config")

type Config struct {
	// AuthToken guards every endpoint except /healthz.
	AuthToken string

	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64

	// ListLimit caps /v1/jobs/failed responses. Defaults to 100.
	ListLimit int

	Now func() time.Time
}

// JobReader is the store subset the API needs.
type JobReader interface {
	Get(ctx context.Context, jobID [32]byte) (relay.Job, error)
	GetByIdentity(ctx context.Context, txID [32]byte, logIndex uint32) (relay.Job, error)
	ListByState(ctx context.Context, state relay.State, limit int) ([]relay.Job, error)
}

// Sweeper triggers one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (reconciler.Stats, error)
}

func NewHandler(cfg Config, jobs JobReader, sweeper Sweeper) (http.Handler, error) {
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("%w: missing auth token", ErrInvalidConfig)
	}
	if jobs == nil {
		return nil, fmt.Errorf("%w: nil job reader", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{cfg: cfg, jobs: jobs, sweeper: sweeper}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/jobs/{jobId}", h.handleJob)
	mux.HandleFunc("GET /v1/deposits/{sourceTx}/{logIndex}", h.handleDeposit)
	mux.HandleFunc("GET /v1/jobs/failed", h.handleFailed)
	mux.HandleFunc("POST /v1/reconcile", h.handleReconcile)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "unauthorized",
			})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	jobs    JobReader
	sweeper Sweeper
}

func (h *handler) authorized(r *http.Request) bool {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) == 1
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseHex32(r.PathValue("jobId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_job_id",
		})
		return
	}
	h.writeJob(w, r, func(ctx context.Context) (relay.Job, error) {
		return h.jobs.Get(ctx, id)
	}, "0x"+hex.EncodeToString(id[:]))
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	txID, err := parseHex32(r.PathValue("sourceTx"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_source_tx",
		})
		return
	}
	logIndex, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("logIndex")), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_log_index",
		})
		return
	}
	h.writeJob(w, r, func(ctx context.Context) (relay.Job, error) {
		return h.jobs.GetByIdentity(ctx, txID, uint32(logIndex))
	}, "0x"+hex.EncodeToString(txID[:]))
}

func (h *handler) writeJob(w http.ResponseWriter, r *http.Request, get func(context.Context) (relay.Job, error), id string) {
	job, err := get(r.Context())
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version": "v1",
				"found":   false,
				"id":      id,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"found":   true,
		"job":     jobView(job),
	})
}

func (h *handler) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.ListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"version": "v1",
				"error":   "invalid_limit",
			})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	failed, err := h.jobs.ListByState(r.Context(), relay.StateFailed, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	views := make([]map[string]any, 0, len(failed))
	for _, job := range failed {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"count":   len(views),
		"jobs":    views,
	})
}

func (h *handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "reconcile_unavailable",
		})
		return
	}
	stats, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "reconcile_failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"stats":   stats,
	})
}

func jobView(job relay.Job) map[string]any {
	view := map[string]any{
		"jobId":     "0x" + hex.EncodeToString(job.JobID[:]),
		"state":     job.State.String(),
		"sourceTx":  "0x" + hex.EncodeToString(job.Event.SourceTxID[:]),
		"logIndex":  job.Event.SourceLogIndex,
		"height":    job.Event.SourceHeight,
		"depositor": "0x" + hex.EncodeToString(job.Event.Depositor[:]),
		"amount":    strconv.FormatUint(job.Event.Amount, 10),
		"recipient": "0x" + hex.EncodeToString(job.Event.Recipient[:]),
		"updatedAt": job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.State >= relay.StateSubmissionPending && job.SubmissionHandle != ([32]byte{}) {
		view["submissionHandle"] = "0x" + hex.EncodeToString(job.SubmissionHandle[:])
	}
	if job.DestTxID != ([32]byte{}) {
		view["destTx"] = "0x" + hex.EncodeToString(job.DestTxID[:])
	}
	if job.LastError != "" {
		view["lastError"] = job.LastError
	}
	return view
}

func parseHex32(s string) ([32]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("invalid length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
