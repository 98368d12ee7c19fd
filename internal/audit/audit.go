// Package audit writes the tamper-evident event trail: an append-only
// JSON-Lines file where every record carries an integrity chain hash
// computed as SHA-256(previous_chain || canonical-JSON(record)). Any
// insertion, removal, or edit of a line breaks every chain value after it.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"hackstone/internal/model"
)

// chainField is the record key carrying the chain hash. It participates in
// the canonical form as an empty string, mirroring how it is produced.
const chainField = "integrity_chain"

// Log appends events to the JSONL audit trail.
type Log struct {
	mu    sync.Mutex
	path  string
	chain string
	f     *os.File
}

// Open opens (or creates) the audit log and resumes the integrity chain
// from the last well-formed record.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	chain, err := lastChain(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{path: path, chain: chain, f: f}, nil
}

// lastChain scans the existing log for the most recent chain value. A
// missing file or unreadable tail resumes from an empty chain.
func lastChain(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	chain := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if c, ok := rec[chainField].(string); ok {
			chain = c
		}
	}
	return chain, nil
}

// Append writes one event to the trail in emission order.
func (l *Log) Append(ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := toRecord(ev)
	if err != nil {
		return err
	}

	next, err := nextChain(l.chain, rec)
	if err != nil {
		return err
	}
	rec[chainField] = next

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	l.chain = next
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// toRecord converts an event into the generic map form records are chained
// and persisted in.
func toRecord(ev model.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	rec[chainField] = ""
	return rec, nil
}

// nextChain computes the chain value over the canonical JSON form of the
// record (keys sorted, chain field empty) linked to the previous chain.
func nextChain(prev string, rec map[string]any) (string, error) {
	rec[chainField] = ""
	canonical, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyResult reports the outcome of an offline chain verification.
type VerifyResult struct {
	Records   int
	BrokenAt  int // 1-based line number of the first broken record, 0 if intact
	LastChain string
}

// Verify walks the full log and recomputes every chain link.
func Verify(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	res := &VerifyResult{}
	chain := ""
	lineNo := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			res.BrokenAt = lineNo
			return res, nil
		}
		claimed, _ := rec[chainField].(string)

		expected, err := nextChain(chain, rec)
		if err != nil || expected != claimed {
			res.BrokenAt = lineNo
			return res, nil
		}
		chain = claimed
		res.Records++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	res.LastChain = chain
	return res, nil
}
