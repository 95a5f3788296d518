package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/callback"
	"compile-sandbox/internal/job"
	"compile-sandbox/internal/monitor"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/sandbox"
	"compile-sandbox/internal/storage"
	"compile-sandbox/internal/store"
)

// Redeliverer replays parked callbacks.
type Redeliverer interface {
	Redeliver(ctx context.Context, max int) (callback.RedeliverReport, error)
}

// SlotLister exposes the sandbox pool for admin listing.
type SlotLister interface {
	Slots() []sandbox.SlotInfo
	Engine() sandbox.Engine
}

// ArchiveReader reads the durable dead-letter archive.
type ArchiveReader interface {
	List(ctx context.Context, filter storage.Filter) ([]storage.DeadLetterRecord, error)
}

type Handlers struct {
	store       store.Store
	queue       queue.Queue
	redeliverer Redeliverer
	slots       SlotLister
	archive     ArchiveReader
	metrics     *monitor.Metrics
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		store:       deps.Store,
		queue:       deps.Queue,
		redeliverer: deps.Redeliverer,
		slots:       deps.Slots,
		archive:     deps.Archive,
		metrics:     deps.Metrics,
	}
}

// HandleRun accepts a job. The record is written as PENDING before the id
// becomes claimable. A duplicate id within the lock window gets the same
// answer as the first submission.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	accepted, err := h.queue.Submit(r.Context(), req.JobID, func(ctx context.Context) error {
		return h.store.Put(ctx, job.New(req.JobID, req.Code, req.CallbackURL))
	})
	if err != nil {
		log.Error().Err(err).
			Str("job_id", req.JobID).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("submitting job failed")
		writeError(w, "job queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	logger := log.With().Str("job_id", req.JobID).Logger()
	if accepted {
		h.metrics.JobsSubmitted.Inc()
		logger.Info().Bool("callback", req.CallbackURL != "").Msg("job queued")
	} else {
		h.metrics.DuplicateSubmits.Inc()
		logger.Info().Msg("duplicate submission dropped")
	}

	writeJSON(w, http.StatusOK, RunResponse{JobID: req.JobID})
}

func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")

	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, ResultResponse{Status: job.StatusNotFound})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("loading job failed")
		writeError(w, "job store unavailable", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	writeJSON(w, http.StatusOK, ResultResponse{Status: rec.Status, Output: rec.Output})
}

func (h *Handlers) HandleProcessing(w http.ResponseWriter, r *http.Request) {
	ids, err := h.queue.Processing(r.Context())
	if err != nil {
		writeError(w, "listing processing ledger failed", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ProcessingResponse{JobIDs: ids})
}

// HandleRequeue moves a stuck id from the processing ledger back to the FIFO.
// Nothing requeues automatically; this is the operator's recovery path.
func (h *Handlers) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")

	moved, err := h.queue.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, "requeue failed", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if !moved {
		writeError(w, "job is not in the processing ledger", "NOT_PROCESSING", http.StatusNotFound, r)
		return
	}

	log.Warn().Str("job_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("job requeued by operator")
	writeJSON(w, http.StatusOK, RequeueResponse{JobID: id, Requeued: true})
}

// HandleDeadLetters lists the queue's dead-letter list, newest first, or the
// durable archive with ?source=archive.
func (h *Handlers) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}

	switch r.URL.Query().Get("source") {
	case "", "queue":
	case "archive":
		h.archivedDeadLetters(w, r, limit)
		return
	default:
		writeError(w, "source must be queue or archive", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	dls, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, "listing dead letters failed", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if dls == nil {
		dls = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: dls})
}

func (h *Handlers) archivedDeadLetters(w http.ResponseWriter, r *http.Request, limit int) {
	if h.archive == nil {
		writeError(w, "dead-letter archive is not configured", "ARCHIVE_DISABLED", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.Filter{JobID: r.URL.Query().Get("jobId"), Limit: limit}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	recs, err := h.archive.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing archived dead letters failed")
		writeError(w, "listing archived dead letters failed", "ARCHIVE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if recs == nil {
		recs = []storage.DeadLetterRecord{}
	}
	writeJSON(w, http.StatusOK, ArchivedDeadLettersResponse{Records: recs})
}

func (h *Handlers) HandleRedeliver(w http.ResponseWriter, r *http.Request) {
	max, ok := intParam(w, r, "max", 100)
	if !ok {
		return
	}
	if h.redeliverer == nil {
		writeJSON(w, http.StatusOK, RedeliverResponse{})
		return
	}

	report, err := h.redeliverer.Redeliver(r.Context(), max)
	if err != nil {
		log.Error().Err(err).Msg("callback redelivery failed")
		writeError(w, "redelivery failed", "REDELIVERY_FAILED", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleSlots(w http.ResponseWriter, r *http.Request) {
	if h.slots == nil {
		writeError(w, "sandbox pool unavailable", "POOL_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	resp := SlotsResponse{Slots: h.slots.Slots()}
	if e := h.slots.Engine(); e != nil {
		resp.Engine = e.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		writeError(w, name+" must be an integer between 1 and 1000", "INVALID_REQUEST", http.StatusBadRequest, r)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
