// Package ingest accepts change events submitted by remote agents,
// validates them as an all-or-nothing batch, and drains them sequentially
// through the processing pipeline with idempotent replay protection.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"hackstone/internal/baseline"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/model"
	"hackstone/internal/pipeline"
)

const (
	// DefaultBufferSize bounds the queue between acceptance and draining.
	DefaultBufferSize = 1000

	dedupTTL      = 10 * time.Minute
	dedupCapacity = 10000
)

// ErrValidation marks batch rejections the caller should treat as 400s.
var ErrValidation = errors.New("invalid agent submission")

const batchEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["agent_id", "path", "action", "timestamp"],
	"properties": {
		"id":        {"type": "string"},
		"agent_id":  {"type": "string", "minLength": 1},
		"path":      {"type": "string", "minLength": 1},
		"action":    {"enum": ["create", "modify", "delete"]},
		"timestamp": {"type": "string", "minLength": 1},
		"hash":      {"type": ["string", "null"]},
		"prev_hash": {"type": ["string", "null"]},
		"user":      {"type": "string"},
		"metadata":  {"type": ["object", "null"]}
	}
}`

var eventSchema = jsonschema.MustCompileString("agent-event.json", batchEventSchema)

// wireEvent is the agent submission shape.
type wireEvent struct {
	ID        string              `json:"id,omitempty"`
	AgentID   string              `json:"agent_id"`
	Path      string              `json:"path"`
	Action    string              `json:"action"`
	Timestamp string              `json:"timestamp"`
	Hash      *string             `json:"hash,omitempty"`
	PrevHash  *string             `json:"prev_hash,omitempty"`
	User      string              `json:"user,omitempty"`
	Metadata  *model.FileMetadata `json:"metadata,omitempty"`
}

// BatchResult reports the cumulative outcome of one submission.
type BatchResult struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDuplicate
	outcomeDropped
)

type item struct {
	id     string
	change model.Change
	result chan outcome
}

// Service validates, buffers, and drains agent submissions.
type Service struct {
	registry *Registry
	proc     *pipeline.Processor
	metrics  *metrics.Metrics
	log      *logging.Logger
	clock    clock.Clock

	dedup *expirable.LRU[string, time.Time]

	mu       sync.Mutex
	queue    []item
	capacity int
	draining bool
}

// New creates an ingestion service. bufferSize <= 0 selects the default.
func New(registry *Registry, proc *pipeline.Processor, m *metrics.Metrics, log *logging.Logger, clk clock.Clock, bufferSize int) *Service {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		registry: registry,
		proc:     proc,
		metrics:  m,
		log:      log,
		clock:    clk,
		dedup:    expirable.NewLRU[string, time.Time](dedupCapacity, nil, dedupTTL),
		capacity: bufferSize,
	}
}

// Submit validates a raw batch (single object or array), enqueues every
// event, and waits for all outcomes. Validation failures reject the whole
// batch before any state changes.
func (s *Service) Submit(raw []byte) (*BatchResult, error) {
	events, err := s.validate(raw)
	if err != nil {
		s.metrics.AgentRejected.Inc()
		return nil, err
	}

	results := make([]chan outcome, len(events))
	for i, we := range events {
		results[i] = s.enqueue(s.toItem(we))
	}
	s.metrics.AgentBatches.Inc()

	res := &BatchResult{Received: len(events)}
	for _, ch := range results {
		switch <-ch {
		case outcomeProcessed:
			res.Processed++
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeDropped:
			res.Dropped++
		}
	}
	return res, nil
}

// validate parses and checks the batch. Any bad member rejects everything.
func (s *Service) validate(raw []byte) ([]wireEvent, error) {
	members, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidation)
	}

	events := make([]wireEvent, 0, len(members))
	for i, member := range members {
		var inst any
		if err := json.Unmarshal(member, &inst); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrValidation, i, err)
		}
		if err := eventSchema.Validate(inst); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrValidation, i, err)
		}

		var we wireEvent
		if err := json.Unmarshal(member, &we); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrValidation, i, err)
		}
		if _, err := time.Parse(time.RFC3339, we.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: event %d: bad timestamp %q", ErrValidation, i, we.Timestamp)
		}
		if !s.registry.Known(we.AgentID) {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrValidation, we.AgentID)
		}
		events = append(events, we)
	}
	return events, nil
}

// normalize accepts a single JSON object or an array of objects.
func normalize(raw []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrValidation)
	}
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return arr, nil
	}
	var obj json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return []json.RawMessage{obj}, nil
}

// toItem converts a validated wire event into a queued pipeline change.
func (s *Service) toItem(we wireEvent) item {
	ts, _ := time.Parse(time.RFC3339, we.Timestamp)

	id := we.ID
	if id == "" {
		id = EventID(we.AgentID, we.Path, we.Action, we.Timestamp)
	}

	return item{
		id: id,
		change: model.Change{
			Scope:            "agent-" + baseline.SanitizeScope(we.AgentID),
			Source:           model.SourceAgent,
			AgentID:          we.AgentID,
			Type:             model.EventType(we.Action),
			Path:             cleanAgentPath(we.Path),
			Timestamp:        ts.UTC(),
			SuppliedID:       id,
			SuppliedHash:     we.Hash,
			SuppliedPrevHash: we.PrevHash,
			SuppliedMetadata: withUser(we.Metadata, we.User),
		},
		result: make(chan outcome, 1),
	}
}

// EventID derives the deterministic id a resubmission maps back to.
func EventID(agentID, p, action, timestamp string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{'|'})
	h.Write([]byte(p))
	h.Write([]byte{'|'})
	h.Write([]byte(action))
	h.Write([]byte{'|'})
	h.Write([]byte(timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func cleanAgentPath(p string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(cleaned, "/")
}

func withUser(meta *model.FileMetadata, user string) *model.FileMetadata {
	if user == "" {
		return meta
	}
	if meta == nil {
		meta = &model.FileMetadata{}
	}
	if meta.User == nil {
		u := user
		meta.User = &u
	}
	return meta
}

// enqueue adds an item to the buffer, evicting the oldest entry when full
// so its submitter learns it was dropped. The drain loop is started only
// when none is running.
func (s *Service) enqueue(it item) chan outcome {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		oldest.result <- outcomeDropped
		s.metrics.EventsDropped.Inc()
		s.log.Warn("ingest buffer full, oldest event dropped", "event_id", oldest.id)
	}
	s.queue = append(s.queue, it)
	start := !s.draining
	if start {
		s.draining = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return it.result
}

// drain pops queued items one at a time until the buffer is empty, then
// exits. Ordering within a submission is preserved.
func (s *Service) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if _, seen := s.dedup.Get(it.id); seen {
			s.metrics.AgentDuplicates.Inc()
			it.result <- outcomeDuplicate
			continue
		}

		if _, _, err := s.proc.Process(it.change); err != nil {
			s.log.Warn("agent event processing failed", "event_id", it.id, "error", err)
		}
		s.dedup.Add(it.id, s.clock.Now())
		it.result <- outcomeProcessed
	}
}

// QueueLen reports the number of buffered, undrained events.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
