package quarantine

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackstone/internal/logging"
	"hackstone/internal/model"
)

func newStager(t *testing.T) (*Stager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "staging")
	log := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	return New(dir, log), dir
}

func TestLowSeverityIgnored(t *testing.T) {
	st, _ := newStager(t)
	ev := &model.Event{Severity: model.SeverityMedium, Source: model.SourceLocal, Type: model.EventCreate}

	st.Apply(ev, "/tmp/whatever")
	assert.Nil(t, ev.Quarantine)
}

func TestLocalHighSeverityStaged(t *testing.T) {
	st, dir := newStager(t)

	src := filepath.Join(t.TempDir(), "dropper.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))

	ev := &model.Event{
		Severity: model.SeverityHigh,
		Source:   model.SourceLocal,
		Type:     model.EventCreate,
		Message:  "New file observed; validate change control.",
	}
	st.Apply(ev, src)

	require.NotNil(t, ev.Quarantine)
	assert.True(t, ev.Quarantine.Recommended)
	assert.True(t, ev.Quarantine.Performed)
	assert.Empty(t, ev.Quarantine.Error)
	assert.Contains(t, ev.Message, "staged for review")

	staged, err := os.ReadFile(ev.Quarantine.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(staged))
	assert.Equal(t, dir, filepath.Dir(ev.Quarantine.StagedPath))
	assert.Contains(t, filepath.Base(ev.Quarantine.StagedPath), "dropper.sh")
}

func TestAgentEventsOnlyRecommended(t *testing.T) {
	st, dir := newStager(t)

	ev := &model.Event{Severity: model.SeverityCritical, Source: model.SourceAgent, Type: model.EventCreate}
	st.Apply(ev, "")

	require.NotNil(t, ev.Quarantine)
	assert.True(t, ev.Quarantine.Recommended)
	assert.False(t, ev.Quarantine.Performed)
	assert.Contains(t, ev.Message, "agent host")

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "nothing should be written for agent events")
}

func TestDeleteHasNoArtifactToStage(t *testing.T) {
	st, _ := newStager(t)

	ev := &model.Event{Severity: model.SeverityHigh, Source: model.SourceLocal, Type: model.EventDelete}
	st.Apply(ev, "/watched/gone.bin")

	require.NotNil(t, ev.Quarantine)
	assert.True(t, ev.Quarantine.Recommended)
	assert.False(t, ev.Quarantine.Performed)
	assert.Contains(t, ev.Message, "no artifact available")
}

func TestCopyFailureRecordedNotFatal(t *testing.T) {
	st, _ := newStager(t)

	ev := &model.Event{Severity: model.SeverityHigh, Source: model.SourceLocal, Type: model.EventModify}
	st.Apply(ev, filepath.Join(t.TempDir(), "vanished.txt"))

	require.NotNil(t, ev.Quarantine)
	assert.True(t, ev.Quarantine.Recommended)
	assert.False(t, ev.Quarantine.Performed)
	assert.NotEmpty(t, ev.Quarantine.Error)
	assert.Contains(t, ev.Message, "staging failed")
}

func TestStagedNameSanitized(t *testing.T) {
	st, _ := newStager(t)

	src := filepath.Join(t.TempDir(), "weird name!.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	ev := &model.Event{Severity: model.SeverityHigh, Source: model.SourceLocal, Type: model.EventCreate}
	st.Apply(ev, src)

	require.NotNil(t, ev.Quarantine)
	require.True(t, ev.Quarantine.Performed)
	base := filepath.Base(ev.Quarantine.StagedPath)
	assert.NotContains(t, base, " ")
	assert.NotContains(t, base, "!")
}
