// Package quarantine stages best-effort preservation copies of suspicious
// local artifacts for later forensic review. Staging never blocks or fails
// event emission; every problem is recorded on the event instead.
package quarantine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"hackstone/internal/logging"
	"hackstone/internal/model"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Stager copies high-severity local artifacts into a staging directory.
type Stager struct {
	dir string
	log *logging.Logger
}

// New creates a stager rooted at dir.
func New(dir string, log *logging.Logger) *Stager {
	return &Stager{dir: dir, log: log}
}

// Apply merges a quarantine outcome into the event. Only events of high
// severity or above are considered. Remote-agent artifacts live on the
// agent's host, so quarantine is only recommended for them; local artifacts
// are copied under a sanitized, collision-resistant name.
func (st *Stager) Apply(ev *model.Event, absPath string) {
	if ev.Severity.Rank() < model.SeverityHigh.Rank() {
		return
	}

	info := &model.QuarantineInfo{Recommended: true}
	ev.Quarantine = info

	if ev.Source == model.SourceAgent {
		ev.Message = appendNote(ev.Message, "quarantine recommended on agent host")
		return
	}
	if ev.Type == model.EventDelete || absPath == "" {
		ev.Message = appendNote(ev.Message, "quarantine recommended; no artifact available to stage")
		return
	}

	staged, err := st.stage(absPath)
	if err != nil {
		info.Error = err.Error()
		ev.Message = appendNote(ev.Message, "quarantine staging failed: "+err.Error())
		st.log.Warn("quarantine staging failed", "path", absPath, "error", err)
		return
	}

	info.Performed = true
	info.StagedPath = staged
	ev.Message = appendNote(ev.Message, "artifact staged for review at "+staged)
	st.log.Info("artifact staged", "path", absPath, "staged", staged)
}

// stage copies the file into the staging directory.
func (st *Stager) stage(absPath string) (string, error) {
	if err := os.MkdirAll(st.dir, 0o700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	base := unsafeNameChars.ReplaceAllString(filepath.Base(absPath), "_")
	name := fmt.Sprintf("%s_local_%s", time.Now().UTC().Format("20060102T150405.000000000"), base)
	dst := filepath.Join(st.dir, name)

	src, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	return dst, nil
}

func appendNote(msg, note string) string {
	if msg == "" {
		return note
	}
	return msg + " | " + note
}
