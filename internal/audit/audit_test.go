package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackstone/internal/model"
)

func sampleEvent(id string) model.Event {
	return model.Event{
		ID:        id,
		Type:      model.EventCreate,
		Path:      "app/main.go",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Severity:  model.SeverityInfo,
		Source:    model.SourceLocal,
	}
}

func TestAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleEvent("e1")))
	require.NoError(t, l.Append(sampleEvent("e2")))
	require.NoError(t, l.Append(sampleEvent("e3")))
	require.NoError(t, l.Close())

	res, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Zero(t, res.BrokenAt)
	assert.NotEmpty(t, res.LastChain)
}

func TestChainResumesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleEvent("e1")))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l2.Append(sampleEvent("e2")))
	require.NoError(t, l2.Close())

	res, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.Zero(t, res.BrokenAt)
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleEvent("e1")))
	require.NoError(t, l.Append(sampleEvent("e2")))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "app/main.go")
	tampered := strings.Replace(string(raw), "app/main.go", "app/evil.go", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	res, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BrokenAt)
}

func TestVerifyDetectsRemovedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleEvent("e1")))
	require.NoError(t, l.Append(sampleEvent("e2")))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte{'\n'})
	require.Len(t, lines, 2)
	require.NoError(t, os.WriteFile(path, append(lines[1], '\n'), 0o644))

	res, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BrokenAt, "second record must not verify against an empty chain")
}
