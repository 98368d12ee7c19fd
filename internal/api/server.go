// Package api exposes the daemon's HTTP/JSON surface and the live SSE
// event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"hackstone/internal/baseline"
	"hackstone/internal/govern"
	"hackstone/internal/history"
	"hackstone/internal/ingest"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/pipeline"
	"hackstone/internal/timeline"
)

// maxAgentBody caps agent submissions at 1 MiB.
const maxAgentBody = 1 << 20

// historyPageLimit caps the number of events one /api/events call returns.
const historyPageLimit = 500

// streamBuffer is the per-subscriber outbound queue length.
const streamBuffer = 64

// Server routes HTTP requests to the daemon's components.
type Server struct {
	watchDirs  []string
	store      *baseline.Store
	filter     *govern.Filter
	hist       *history.History
	correlator *timeline.Correlator
	ingestSvc  *ingest.Service
	proc       *pipeline.Processor
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// Config collects the server's collaborators.
type Config struct {
	WatchDirs  []string
	Store      *baseline.Store
	Filter     *govern.Filter
	History    *history.History
	Correlator *timeline.Correlator
	Ingest     *ingest.Service
	Processor  *pipeline.Processor
	Metrics    *metrics.Metrics
	Log        *logging.Logger
}

// New creates the server.
func New(cfg Config) *Server {
	return &Server{
		watchDirs:  cfg.WatchDirs,
		store:      cfg.Store,
		filter:     cfg.Filter,
		hist:       cfg.History,
		correlator: cfg.Correlator,
		ingestSvc:  cfg.Ingest,
		proc:       cfg.Processor,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/timeline", s.handleTimeline).Methods(http.MethodGet)
	r.HandleFunc("/api/rebuild", s.handleRebuild).Methods(http.MethodPost)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/agent/events", s.handleAgentEvents).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.hist.Recent(historyPageLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":       events,
		"baselineSize": s.store.Size(baseline.ScopeLocal),
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	rangeName := r.URL.Query().Get("range")
	res, err := s.correlator.Build(rangeName)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v (supported: %v)", err, timeline.Ranges()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	size, err := s.store.Rebuild(baseline.ScopeLocal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	s.proc.EmitBaselineEvent(baseline.ScopeLocal, size)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"baselineSize": size,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	watchDir := ""
	if len(s.watchDirs) > 0 {
		watchDir = s.watchDirs[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"watchDir":         watchDir,
		"watchDirs":        s.watchDirs,
		"governanceFilter": s.filter.Description(),
	})
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds 1 MiB limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.ingestSvc.Submit(body)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"received":   res.Received,
		"processed":  res.Processed,
		"duplicates": res.Duplicates,
		"dropped":    res.Dropped,
	})
}

// handleStream serves the live event feed over Server-Sent Events. Each
// subscriber gets its own buffered queue; events it cannot keep up with
// are dropped rather than stalling the pipeline.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, events := s.hist.Subscribe(streamBuffer)
	defer s.hist.Unsubscribe(id)
	s.metrics.Subscribers.Set(float64(s.hist.Subscribers()))
	defer func() { s.metrics.Subscribers.Set(float64(s.hist.Subscribers() - 1)) }()

	fmt.Fprintf(w, "event: connected\ndata: {\"ok\": true}\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("stream marshal failed", "event_id", ev.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"events":      s.hist.Len(),
		"subscribers": s.hist.Subscribers(),
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, maxAgentBody)
	defer limited.Close()
	return io.ReadAll(limited)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
