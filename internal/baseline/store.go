// Package baseline maintains the last-known-good state of every watched
// path, one scope per origin: "local" for this host's watcher and one scope
// per remote agent. Each scope persists 1:1 to a JSON file keyed by relative
// path. Corrupt state never aborts startup; the bad file is renamed aside
// and the scope rebuilt from the filesystem.
package baseline

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"hackstone/internal/govern"
	"hackstone/internal/logging"
	"hackstone/internal/model"
	"hackstone/internal/scan"
)

// ScopeLocal is the scope id for this host's own watcher.
const ScopeLocal = "local"

// legacyFileName is the unscoped baseline file written by older releases.
// A store started for the first time against a directory containing one
// adopts it as the local scope's initial content.
const legacyFileName = "baseline.json"

// Entry is the last-known state of one path within a scope. The digest is
// always present: entries are removed, not blanked, when a path disappears.
type Entry struct {
	Digest    string              `json:"digest"`
	Metadata  *model.FileMetadata `json:"metadata"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store owns all baseline scopes. One mutex serializes every mutation so
// interleaved watcher and ingestion activity can never tear a scope map.
type Store struct {
	mu     sync.Mutex
	dir    string
	roots  []string
	filter *govern.Filter
	log    *logging.Logger

	scopes      map[string]map[string]Entry
	deletedMeta map[string]map[string]*model.FileMetadata
}

var scopeNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeScope converts an arbitrary origin identifier into a scope id safe
// to embed in a file name.
func SanitizeScope(id string) string {
	s := scopeNameSanitizer.ReplaceAllString(id, "_")
	if s == "" {
		s = "unknown"
	}
	return s
}

// Open loads the store from dir, adopting a legacy unscoped baseline file if
// present and healing corrupt state. It reports whether the local scope had
// to be rebuilt (empty on load, or stored paths outside the watch roots).
func Open(dir string, roots []string, filter *govern.Filter, log *logging.Logger) (*Store, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create baseline dir: %w", err)
	}

	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, false, fmt.Errorf("resolve watch root %s: %w", r, err)
		}
		abs = append(abs, a)
	}

	s := &Store{
		dir:         dir,
		roots:       abs,
		filter:      filter,
		log:         log,
		scopes:      make(map[string]map[string]Entry),
		deletedMeta: make(map[string]map[string]*model.FileMetadata),
	}

	s.loadAllScopes()

	rebuilt := false
	if s.needsLocalRebuild() {
		if _, err := s.Rebuild(ScopeLocal); err != nil {
			return nil, false, fmt.Errorf("initial rebuild: %w", err)
		}
		rebuilt = true
	}
	return s, rebuilt, nil
}

// loadAllScopes reads every persisted scope file, healing unreadable ones.
func (s *Store) loadAllScopes() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("baseline directory unreadable, starting empty", "dir", s.dir, "error", err)
		return
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "baseline_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		scope := strings.TrimSuffix(strings.TrimPrefix(name, "baseline_"), ".json")
		s.scopes[scope] = s.loadScopeFile(filepath.Join(s.dir, name))
	}

	if _, ok := s.scopes[ScopeLocal]; !ok {
		legacy := filepath.Join(s.dir, legacyFileName)
		if _, err := os.Stat(legacy); err == nil {
			s.log.Info("adopting legacy baseline file as local scope", "path", legacy)
			s.scopes[ScopeLocal] = s.loadScopeFile(legacy)
			_ = s.save(ScopeLocal)
		}
	}
	if _, ok := s.scopes[ScopeLocal]; !ok {
		s.scopes[ScopeLocal] = make(map[string]Entry)
	}

	// Governance and ignore predicates are purged eagerly so a config
	// change takes effect on the very next start.
	for scope, m := range s.scopes {
		changed := false
		for path := range m {
			if s.filter.Excluded(path) {
				delete(m, path)
				changed = true
			}
		}
		if changed {
			_ = s.save(scope)
		}
	}
}

// loadScopeFile parses one persisted scope, renaming the file aside with a
// timestamped suffix when it cannot be parsed.
func (s *Store) loadScopeFile(path string) map[string]Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("baseline file unreadable, starting empty", "path", path, "error", err)
		}
		return make(map[string]Entry)
	}

	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
		if renameErr := os.Rename(path, backup); renameErr != nil {
			s.log.Warn("could not back up corrupt baseline file", "path", path, "error", renameErr)
		} else {
			s.log.Warn("corrupt baseline file backed up, starting empty", "path", path, "backup", backup)
		}
		return make(map[string]Entry)
	}
	if m == nil {
		m = make(map[string]Entry)
	}
	return m
}

// needsLocalRebuild reports whether the local scope is empty or references
// paths that cannot lie under the configured watch roots.
func (s *Store) needsLocalRebuild() bool {
	local := s.scopes[ScopeLocal]
	if len(local) == 0 {
		return true
	}
	for key := range local {
		if !s.keyInsideRoots(key) {
			s.log.Warn("baseline entry outside watch roots, forcing rebuild", "path", key)
			return true
		}
	}
	return false
}

// keyInsideRoots checks that a stored relative key resolves under one of the
// configured watch roots. With multiple roots, keys are prefixed with the
// root's base name.
func (s *Store) keyInsideRoots(key string) bool {
	clean := filepath.ToSlash(filepath.Clean(key))
	if filepath.IsAbs(key) || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	if len(s.roots) <= 1 {
		return true
	}
	first := strings.SplitN(clean, "/", 2)[0]
	for _, root := range s.roots {
		if filepath.Base(root) == first {
			return true
		}
	}
	return false
}

// KeyFor converts a watch root and root-relative path into the scope key
// used for local baseline entries.
func (s *Store) KeyFor(root, rel string) string {
	rel = filepath.ToSlash(rel)
	if len(s.roots) > 1 {
		return filepath.Base(root) + "/" + rel
	}
	return rel
}

// Get returns a copy of the scope's path map.
func (s *Store) Get(scope string) map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.scopes[scope]))
	for k, v := range s.scopes[scope] {
		out[k] = v
	}
	return out
}

// Size returns the number of entries in a scope.
func (s *Store) Size(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes[scope])
}

// Lookup returns the entry for a path within a scope.
func (s *Store) Lookup(scope, path string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.scopes[scope][path]
	return e, ok
}

// Update applies one observed change to a scope and persists it
// synchronously. Deletions remove the entry but cache its last-known
// metadata for later delete-event enrichment; anything else upserts.
func (s *Store) Update(scope, path string, kind model.EventType, digest string, meta *model.FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.scopes[scope]
	if !ok {
		m = make(map[string]Entry)
		s.scopes[scope] = m
	}

	if kind == model.EventDelete {
		if prev, existed := m[path]; existed && prev.Metadata != nil {
			dm, ok := s.deletedMeta[scope]
			if !ok {
				dm = make(map[string]*model.FileMetadata)
				s.deletedMeta[scope] = dm
			}
			dm[path] = prev.Metadata
		}
		delete(m, path)
		return s.save(scope)
	}

	if digest == "" {
		// Hashing failed after the notification (file vanished mid-flight);
		// keep the previous state rather than recording a digestless entry.
		return nil
	}

	m[path] = Entry{Digest: digest, Metadata: meta, UpdatedAt: time.Now().UTC()}
	if dm, ok := s.deletedMeta[scope]; ok {
		delete(dm, path)
	}
	return s.save(scope)
}

// LastDeletedMetadata returns the cached metadata of a previously deleted
// path, if any.
func (s *Store) LastDeletedMetadata(scope, path string) *model.FileMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dm, ok := s.deletedMeta[scope]; ok {
		return dm[path]
	}
	return nil
}

// Rebuild re-derives a scope from scratch. The local scope is rebuilt by
// walking every watch root and hashing every non-ignored file; agent scopes
// have no local filesystem to walk and are reset to empty.
func (s *Store) Rebuild(scope string) (int, error) {
	fresh := make(map[string]Entry)

	if scope == ScopeLocal {
		for _, root := range s.roots {
			if err := s.walkRoot(root, fresh); err != nil {
				s.log.Warn("rebuild walk failed for root", "root", root, "error", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope] = fresh
	if err := s.save(scope); err != nil {
		return len(fresh), err
	}
	return len(fresh), nil
}

// walkRoot hashes every file under root into dst, honoring the exclusion
// predicates before descending into directories.
func (s *Store) walkRoot(root string, dst map[string]Entry) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if s.filter.Excluded(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		digest, _, hashErr := scan.HashFile(path)
		if hashErr != nil {
			return nil
		}
		key := s.KeyFor(root, rel)
		dst[key] = Entry{Digest: digest, Metadata: scan.Collect(path), UpdatedAt: time.Now().UTC()}
		return nil
	})
}

// Save persists a scope immediately.
func (s *Store) Save(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(scope)
}

// save writes the scope file atomically. Callers hold s.mu.
func (s *Store) save(scope string) error {
	data, err := json.MarshalIndent(s.scopes[scope], "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline scope %s: %w", scope, err)
	}

	path := s.scopePath(scope)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write baseline scope %s: %w", scope, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit baseline scope %s: %w", scope, err)
	}
	return nil
}

func (s *Store) scopePath(scope string) string {
	return filepath.Join(s.dir, "baseline_"+SanitizeScope(scope)+".json")
}

// Scopes lists all scope ids currently held.
func (s *Store) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		out = append(out, scope)
	}
	return out
}
