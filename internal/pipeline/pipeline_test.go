package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackstone/internal/audit"
	"hackstone/internal/baseline"
	"hackstone/internal/govern"
	"hackstone/internal/history"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/model"
	"hackstone/internal/quarantine"
	"hackstone/internal/rules"
	"hackstone/internal/suppress"
)

type env struct {
	proc      *Processor
	hist      *history.History
	store     *baseline.Store
	root      string
	auditPath string
	mock      *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	dataDir := t.TempDir()
	log := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	filter := govern.New(nil, false)

	store, _, err := baseline.Open(dataDir, []string{root}, filter, log)
	require.NoError(t, err)

	engine, err := rules.NewEngine(rules.DefaultRules(), "production")
	require.NoError(t, err)

	auditPath := filepath.Join(dataDir, "audit.log")
	auditLog, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	hist := history.New(500)
	proc := New(Config{
		Labels:     Labels{Host: "test-host", Site: "test-site"},
		Filter:     filter,
		Baseline:   store,
		Engine:     engine,
		Suppressor: suppress.New(10*time.Second, 5, 5*time.Minute, mock),
		Stager:     quarantine.New(filepath.Join(dataDir, "staging"), log),
		History:    hist,
		Audit:      auditLog,
		Metrics:    metrics.New(),
		Log:        log,
		Clock:      mock,
	})

	return &env{proc: proc, hist: hist, store: store, root: root, auditPath: auditPath, mock: mock}
}

func (e *env) localChange(kind model.EventType, rel string) model.Change {
	return model.Change{
		Scope:   baseline.ScopeLocal,
		Source:  model.SourceLocal,
		Type:    kind,
		Path:    rel,
		AbsPath: filepath.Join(e.root, rel),
	}
}

func TestCreateModifyDeleteLifecycle(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.root, "hello.txt")

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	created, emitted, err := e.proc.Process(e.localChange(model.EventCreate, "hello.txt"))
	require.NoError(t, err)
	require.True(t, emitted)

	helloHash := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	assert.Nil(t, created.BeforeHash)
	require.NotNil(t, created.AfterHash)
	assert.Equal(t, helloHash, *created.AfterHash)
	assert.Equal(t, model.SeverityInfo, created.Severity)
	assert.Equal(t, "test-host", created.Host)
	assert.NotEmpty(t, created.ID)
	require.NotNil(t, created.Metadata)

	entry, ok := e.store.Lookup(baseline.ScopeLocal, "hello.txt")
	require.True(t, ok)
	assert.Equal(t, helloHash, entry.Digest)

	e.mock.Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o644))
	modified, emitted, err := e.proc.Process(e.localChange(model.EventModify, "hello.txt"))
	require.NoError(t, err)
	require.True(t, emitted)

	require.NotNil(t, modified.BeforeHash)
	assert.Equal(t, helloHash, *modified.BeforeHash)
	require.NotNil(t, modified.AfterHash)
	assert.NotEqual(t, *modified.BeforeHash, *modified.AfterHash)
	assert.Contains(t, modified.Risk.Reason, "drift")

	e.mock.Add(time.Minute)
	require.NoError(t, os.Remove(path))
	deleted, emitted, err := e.proc.Process(e.localChange(model.EventDelete, "hello.txt"))
	require.NoError(t, err)
	require.True(t, emitted)

	require.NotNil(t, deleted.BeforeHash)
	assert.Nil(t, deleted.AfterHash)
	assert.Equal(t, model.SeverityHigh, deleted.Severity)
	assert.NotNil(t, deleted.Metadata, "delete metadata falls back to the prior entry")
	require.NotNil(t, deleted.Quarantine)
	assert.True(t, deleted.Quarantine.Recommended)
	assert.False(t, deleted.Quarantine.Performed)

	_, ok = e.store.Lookup(baseline.ScopeLocal, "hello.txt")
	assert.False(t, ok)

	assert.Equal(t, 3, e.hist.Len())

	res, err := audit.Verify(e.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Zero(t, res.BrokenAt)
}

func TestGovernedPathGeneratesNothing(t *testing.T) {
	e := newEnv(t)

	path := filepath.Join(e.root, "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ev, emitted, err := e.proc.Process(e.localChange(model.EventCreate, "secret.txt"))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.False(t, emitted)
	assert.Zero(t, e.hist.Len())
	_, ok := e.store.Lookup(baseline.ScopeLocal, "secret.txt")
	assert.False(t, ok)
}

func TestBurstSuppressionWithSummary(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.root, "busy.log")
	require.NoError(t, os.WriteFile(path, []byte("line"), 0o644))

	emittedCount := 0
	for i := 0; i < 7; i++ {
		_, emitted, err := e.proc.Process(e.localChange(model.EventModify, "busy.log"))
		require.NoError(t, err)
		if emitted {
			emittedCount++
		}
		e.mock.Add(time.Second)
	}
	assert.Equal(t, 5, emittedCount)
	assert.Equal(t, 5, e.hist.Len())

	// The window expires; the next event emits the summary and itself.
	e.mock.Add(10 * time.Second)
	_, emitted, err := e.proc.Process(e.localChange(model.EventModify, "busy.log"))
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Equal(t, 7, e.hist.Len())

	var summary *model.Event
	for _, ev := range e.hist.Snapshot() {
		if ev.IsSummary {
			s := ev
			summary = &s
		}
	}
	require.NotNil(t, summary)
	require.NotNil(t, summary.Summary)
	assert.Equal(t, 2, summary.Summary.Suppressed)
	assert.Equal(t, 7, summary.Summary.Total)
}

func TestRuleEscalationAndQuarantineStaging(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.root, "dropper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nrm -rf /\n"), 0o755))

	ev, emitted, err := e.proc.Process(e.localChange(model.EventCreate, "dropper.sh"))
	require.NoError(t, err)
	require.True(t, emitted)

	// The executable-dropped rule escalates creates to high severity.
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.NotEmpty(t, ev.RuleMatches)
	assert.True(t, ev.HasMitre("T1059"))
	assert.GreaterOrEqual(t, ev.Risk.Score, 55)

	require.NotNil(t, ev.Quarantine)
	assert.True(t, ev.Quarantine.Performed)
	staged, readErr := os.ReadFile(ev.Quarantine.StagedPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(staged), "rm -rf")
}

func TestAgentChangeUsesSuppliedFields(t *testing.T) {
	e := newEnv(t)

	before := "aaa"
	after := "bbb"
	user := "deploy"
	ev, emitted, err := e.proc.Process(model.Change{
		Scope:            "agent-build_1",
		Source:           model.SourceAgent,
		AgentID:          "build-1",
		Type:             model.EventModify,
		Path:             "srv/app.conf",
		Timestamp:        e.mock.Now(),
		SuppliedID:       "agent-evt-1",
		SuppliedHash:     &after,
		SuppliedPrevHash: &before,
		SuppliedMetadata: &model.FileMetadata{User: &user},
	})
	require.NoError(t, err)
	require.True(t, emitted)

	assert.Equal(t, "agent-evt-1", ev.ID)
	require.NotNil(t, ev.BeforeHash)
	assert.Equal(t, "aaa", *ev.BeforeHash)
	require.NotNil(t, ev.AfterHash)
	assert.Equal(t, "bbb", *ev.AfterHash)
	assert.Equal(t, model.SourceAgent, ev.Source)
	require.NotNil(t, ev.Metadata)
	assert.Equal(t, "deploy", *ev.Metadata.User)

	entry, ok := e.store.Lookup("agent-build_1", "srv/app.conf")
	require.True(t, ok)
	assert.Equal(t, "bbb", entry.Digest)
}

func TestEmitBaselineEvent(t *testing.T) {
	e := newEnv(t)

	e.proc.EmitBaselineEvent(baseline.ScopeLocal, 17)

	require.Equal(t, 1, e.hist.Len())
	ev := e.hist.Snapshot()[0]
	assert.Equal(t, model.EventBaseline, ev.Type)
	assert.False(t, ev.IsSummary)
}
