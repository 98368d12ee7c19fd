// Package pipeline is the single entry point every observed change flows
// through: baseline resolution, digest and metadata collection, rule
// evaluation, risk scoring, baseline mutation, burst suppression,
// quarantine staging, and finally the commit to history, audit log, and
// live stream. Both producers (local watcher, agent ingestion) call
// Process; nothing else emits events.
package pipeline

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"hackstone/internal/audit"
	"hackstone/internal/baseline"
	"hackstone/internal/govern"
	"hackstone/internal/history"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/model"
	"hackstone/internal/quarantine"
	"hackstone/internal/risk"
	"hackstone/internal/rules"
	"hackstone/internal/scan"
	"hackstone/internal/suppress"
)

// recentActivityWindow is how far back same-path recurrence is counted for
// risk scoring.
const recentActivityWindow = 15 * time.Minute

// Labels annotate every emitted event with deployment identity.
type Labels struct {
	Host string
	Site string
}

// Processor wires the pipeline stages together.
type Processor struct {
	labels     Labels
	filter     *govern.Filter
	baseline   *baseline.Store
	engine     *rules.Engine
	suppressor *suppress.Suppressor
	stager     *quarantine.Stager
	history    *history.History
	audit      *audit.Log
	metrics    *metrics.Metrics
	log        *logging.Logger
	clock      clock.Clock
}

// Config collects the processor's collaborators.
type Config struct {
	Labels     Labels
	Filter     *govern.Filter
	Baseline   *baseline.Store
	Engine     *rules.Engine
	Suppressor *suppress.Suppressor
	Stager     *quarantine.Stager
	History    *history.History
	Audit      *audit.Log
	Metrics    *metrics.Metrics
	Log        *logging.Logger
	Clock      clock.Clock
}

// New creates a processor. A nil clock uses wall-clock time.
func New(cfg Config) *Processor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Processor{
		labels:     cfg.Labels,
		filter:     cfg.Filter,
		baseline:   cfg.Baseline,
		engine:     cfg.Engine,
		suppressor: cfg.Suppressor,
		stager:     cfg.Stager,
		history:    cfg.History,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		clock:      clk,
	}
}

// Process runs one normalized change through the full pipeline. It returns
// the resulting event and whether it was committed (suppressed events are
// evaluated and applied to the baseline but neither stored nor broadcast).
func (p *Processor) Process(ch model.Change) (*model.Event, bool, error) {
	// Governance exclusions generate nothing, regardless of producer.
	if p.filter.Excluded(ch.Path) {
		return nil, false, nil
	}

	ev := p.buildEvent(ch)

	recent := p.history.CountRecentForPath(ev.Path, ev.Timestamp.Add(-recentActivityWindow))
	ev.Risk = risk.Assess(ev.Type, ev.Path, ev.BeforeHash, ev.AfterHash, recent)
	p.engine.Evaluate(ev)
	// A rule may have raised the score past a label threshold.
	ev.Risk.Label = risk.Label(ev.Risk.Score)

	digest := ""
	if ev.AfterHash != nil {
		digest = *ev.AfterHash
	}
	if err := p.baseline.Update(ch.Scope, ch.Path, ch.Type, digest, ev.Metadata); err != nil {
		p.log.Warn("baseline update failed", "scope", ch.Scope, "path", ch.Path, "error", err)
	}
	p.metrics.BaselineSize.WithLabelValues(ch.Scope).Set(float64(p.baseline.Size(ch.Scope)))

	dec, summary := p.suppressor.Observe(suppress.Key{
		Source:  ch.Source,
		AgentID: ch.AgentID,
		Path:    ch.Path,
		Type:    ch.Type,
	})
	if summary != nil {
		p.commit(p.summaryEvent(ch, summary))
		p.metrics.SummariesEmitted.Inc()
	}
	if dec == suppress.Suppress {
		p.metrics.EventsSuppressed.Inc()
		return ev, false, nil
	}

	p.stager.Apply(ev, ch.AbsPath)
	p.commit(*ev)
	return ev, true, nil
}

// buildEvent resolves prior baseline state and assembles the canonical
// event for a change.
func (p *Processor) buildEvent(ch model.Change) *model.Event {
	ts := ch.Timestamp
	if ts.IsZero() {
		ts = p.clock.Now().UTC()
	}

	id := ch.SuppliedID
	if id == "" {
		id = uuid.NewString()
	}

	ev := &model.Event{
		ID:        id,
		Type:      ch.Type,
		Path:      ch.Path,
		Timestamp: ts,
		Severity:  model.DefaultSeverity(ch.Type),
		Mitre:     model.DefaultMitre(ch.Type),
		Source:    ch.Source,
		AgentID:   ch.AgentID,
		Host:      p.labels.Host,
		Site:      p.labels.Site,
		Message:   defaultMessage(ch.Type),
	}

	prior, had := p.baseline.Lookup(ch.Scope, ch.Path)
	if had {
		d := prior.Digest
		ev.BeforeHash = &d
	} else if ch.SuppliedPrevHash != nil {
		ev.BeforeHash = ch.SuppliedPrevHash
	}

	if ch.Source == model.SourceLocal {
		p.fillLocal(ev, ch, prior, had)
	} else {
		p.fillAgent(ev, ch, prior, had)
	}
	return ev
}

// fillLocal hashes the artifact and collects filesystem metadata for a
// locally observed change. Transient I/O failures degrade to nil fields.
func (p *Processor) fillLocal(ev *model.Event, ch model.Change, prior baseline.Entry, had bool) {
	if ch.Type != model.EventDelete {
		if digest, _, err := scan.HashFile(ch.AbsPath); err == nil {
			ev.AfterHash = &digest
		} else {
			p.log.Debug("hash unavailable", "path", ch.AbsPath, "error", err)
		}
	}

	meta := scan.Collect(ch.AbsPath)
	if ch.Type == model.EventDelete && meta.Empty() {
		if had && prior.Metadata != nil {
			meta = prior.Metadata
		} else if cached := p.baseline.LastDeletedMetadata(ch.Scope, ch.Path); cached != nil {
			meta = cached
		}
	}
	ev.Metadata = meta
}

// fillAgent adopts the digests and metadata the agent supplied.
func (p *Processor) fillAgent(ev *model.Event, ch model.Change, prior baseline.Entry, had bool) {
	if ch.Type != model.EventDelete {
		ev.AfterHash = ch.SuppliedHash
	}
	if ch.Type == model.EventDelete && ev.Metadata == nil && had {
		ev.Metadata = prior.Metadata
	}
	if ch.SuppliedMetadata != nil {
		ev.Metadata = ch.SuppliedMetadata
	}
}

// commit stores, logs, and broadcasts an event exactly once.
func (p *Processor) commit(ev model.Event) {
	p.history.Append(ev)
	if err := p.audit.Append(ev); err != nil {
		p.log.Error("audit append failed", "event_id", ev.ID, "error", err)
	}
	p.history.Broadcast(ev)
	p.metrics.EventsProcessed.WithLabelValues(string(ev.Type), string(ev.Source)).Inc()
	p.log.Info("event emitted",
		"event_id", ev.ID,
		"type", ev.Type,
		"path", ev.Path,
		"severity", ev.Severity,
		"risk", ev.Risk.Score,
		"source", ev.Source,
	)
}

// summaryEvent synthesizes the single event describing a suppressed burst.
func (p *Processor) summaryEvent(ch model.Change, s *suppress.Summary) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		Type:      ch.Type,
		Path:      ch.Path,
		Timestamp: p.clock.Now().UTC(),
		Severity:  model.SeverityInfo,
		Source:    ch.Source,
		AgentID:   ch.AgentID,
		Host:      p.labels.Host,
		Site:      p.labels.Site,
		IsSummary: true,
		Summary: &model.SummaryInfo{
			Suppressed:  s.Suppressed,
			Total:       s.Total,
			WindowStart: s.WindowStart,
			WindowEnd:   s.WindowEnd,
		},
		Risk:    model.RiskAssessment{Score: 0, Label: risk.Label(0), Reason: "burst summary"},
		Message: "burst suppressed: repeated near-duplicate events collapsed into this summary",
	}
}

// EmitBaselineEvent publishes the marker event produced by a full rebuild.
func (p *Processor) EmitBaselineEvent(scope string, size int) {
	ev := model.Event{
		ID:        uuid.NewString(),
		Type:      model.EventBaseline,
		Path:      "",
		Timestamp: p.clock.Now().UTC(),
		Severity:  model.SeverityInfo,
		Source:    model.SourceLocal,
		Host:      p.labels.Host,
		Site:      p.labels.Site,
		Risk:      model.RiskAssessment{Score: 0, Label: risk.Label(0), Reason: "baseline rebuild"},
		Message:   "baseline rebuilt",
	}
	p.metrics.BaselineSize.WithLabelValues(scope).Set(float64(size))
	p.commit(ev)
}

// defaultMessage carries the analyst guidance attached to each event kind.
func defaultMessage(t model.EventType) string {
	switch t {
	case model.EventCreate:
		return "New file observed; validate change control."
	case model.EventModify:
		return "Hash drift detected; confirm authorized change."
	case model.EventDelete:
		return "File removed; check for indicator removal or cleanup."
	}
	return ""
}
