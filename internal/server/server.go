package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jo-hoe/clipwatch/internal/admin"
	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/common"
	"github.com/jo-hoe/clipwatch/internal/config"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

type Service struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Submit  *submit.Service
	Admin   *admin.Controller
	Tracker *Tracker
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      NewHandler(svc),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// NewHandler returns the routed bridge handler with CORS, logging and recovery.
func NewHandler(svc *Service) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc(common.PathWatchJobs, svc.withCommon(svc.handleWatchJob)).Methods(http.MethodPost)
	r.HandleFunc(common.PathWatchJobs, svc.handleListWatched).Methods(http.MethodGet)
	r.HandleFunc(common.PathWatchJobs+"/{id}", svc.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc(common.PathWatchJobs+"/{id}", svc.handleUnwatchJob).Methods(http.MethodDelete)

	r.HandleFunc(common.PathWatchBatches, svc.withCommon(svc.handleWatchBatch)).Methods(http.MethodPost)
	r.HandleFunc(common.PathWatchBatches+"/{id}", svc.handleGetBatch).Methods(http.MethodGet)
	r.HandleFunc(common.PathWatchBatches+"/{id}", svc.handleUnwatchBatch).Methods(http.MethodDelete)

	r.HandleFunc(common.PathBridgeJobs, svc.handleAdminList).Methods(http.MethodGet)
	r.HandleFunc(common.PathBridgeJobs+"/{id}/"+common.SuffixRetry, svc.handleAdminRetry).Methods(http.MethodPost)
	r.HandleFunc(common.PathBridgeJobs+"/{id}", svc.handleAdminDelete).Methods(http.MethodDelete)
	r.HandleFunc(common.PathBridgeCleanup, svc.handleAdminCleanup).Methods(http.MethodPost)
	r.HandleFunc(common.PathBridgeStats, svc.handleAdminStats).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: svc.Cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", common.HeaderRequestID},
	})
	return loggingMiddleware(recoveryMiddleware(c.Handler(r), svc.Log), svc.Log)
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limit := safeInt64(svc.Cfg.Server.MaxBodySize); limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	}
}

type watchJobRequest struct {
	URL   string `json:"url"`
	JobID string `json:"jobId"` // watch an existing job instead of submitting
	submit.Options
}

type watchJobResponse struct {
	JobID    string                 `json:"jobId"`
	Job      *api.CreateJobResponse `json:"job,omitempty"`
	WatchURL string                 `json:"watchUrl"`
}

func (svc *Service) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	var req watchJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	ctx := svc.Tracker.Context()

	if id := strings.TrimSpace(req.JobID); id != "" {
		p, updates, err := svc.Submit.Watch(ctx, id)
		if err != nil {
			svc.fail(w, "watch job", err)
			return
		}
		svc.Tracker.TrackJob(p, updates)
		writeJSON(w, http.StatusAccepted, watchJobResponse{JobID: id, WatchURL: common.PathWatchJobs + "/" + id})
		return
	}

	jw, err := svc.Submit.SubmitOne(ctx, req.URL, req.Options)
	if err != nil {
		svc.fail(w, "submit job", err)
		return
	}
	svc.Tracker.TrackJob(jw.Poller, jw.Updates)
	job := jw.Job
	writeJSON(w, http.StatusCreated, watchJobResponse{JobID: job.JobID, Job: &job, WatchURL: common.PathWatchJobs + "/" + job.JobID})
}

func (svc *Service) handleListWatched(w http.ResponseWriter, r *http.Request) {
	jobIDs, batchIDs := svc.Tracker.Watched()
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": jobIDs, "batches": batchIDs})
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	v, ok := svc.Tracker.Job(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job is not watched")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (svc *Service) handleUnwatchJob(w http.ResponseWriter, r *http.Request) {
	if !svc.Tracker.UntrackJob(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "job is not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type watchBatchRequest struct {
	URLs []string `json:"urls"`
	submit.Options
}

type watchBatchResponse struct {
	submit.BatchReceipt
	WatchURL string `json:"watchUrl"`
}

func (svc *Service) handleWatchBatch(w http.ResponseWriter, r *http.Request) {
	var req watchBatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	bw, err := svc.Submit.SubmitBatch(svc.Tracker.Context(), req.URLs, req.Options)
	if err != nil {
		svc.fail(w, "submit batch", err)
		return
	}
	svc.Tracker.TrackBatch(bw)
	writeJSON(w, http.StatusCreated, watchBatchResponse{
		BatchReceipt: bw.Receipt,
		WatchURL:     common.PathWatchBatches + "/" + bw.Receipt.BatchID,
	})
}

func (svc *Service) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	v, ok := svc.Tracker.Batch(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "batch is not watched")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (svc *Service) handleUnwatchBatch(w http.ResponseWriter, r *http.Request) {
	if !svc.Tracker.UntrackBatch(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "batch is not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := api.ListQuery{
		Status: r.URL.Query().Get("status"),
		Page:   queryInt(r, "page"),
		Limit:  queryInt(r, "limit"),
	}
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		page, err := svc.Admin.Cached(q)
		if err != nil {
			svc.fail(w, "cached listing", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}
	page, err := svc.Admin.List(r.Context(), q)
	if err != nil {
		svc.fail(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (svc *Service) handleAdminRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := svc.Admin.Retry(r.Context(), id); err != nil {
		svc.fail(w, "retry job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "message": "Job queued for retry"})
}

func (svc *Service) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := svc.Admin.Delete(r.Context(), id); err != nil {
		svc.fail(w, "delete job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "message": "Job removed"})
}

func (svc *Service) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	sum, err := svc.Admin.Cleanup(r.Context())
	if err != nil {
		svc.fail(w, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (svc *Service) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := svc.Admin.Stats(r.Context())
	if err != nil {
		svc.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// fail maps domain errors onto HTTP statuses.
func (svc *Service) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && svc.Log != nil {
		svc.Log.Error(op, "err", err)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		writeError(w, status, apiErr.Message)
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var apiErr *api.Error
	switch {
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, submit.ErrEmptyURL),
		errors.Is(err, submit.ErrInvalidURL),
		errors.Is(err, submit.ErrInvalidOptions),
		errors.Is(err, jobs.ErrEmptyBatch),
		errors.Is(err, jobs.ErrBatchTooLarge),
		errors.Is(err, jobs.ErrEmptyJobID):
		return http.StatusBadRequest
	case errors.Is(err, submit.ErrAllRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				}
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
