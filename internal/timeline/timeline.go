// Package timeline builds on-demand incident views over the event history.
// Events inside a requested window are clustered by actor and path with a
// proximity gap, each cluster is classified by a fixed heuristic order, and
// the result is decorated with technique and path frequency stats. Nothing
// here is persisted; every query recomputes from history.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"hackstone/internal/history"
	"hackstone/internal/model"
)

const (
	groupGap         = 2 * time.Minute
	shortLivedWindow = 5 * time.Minute
	rapidModifyMin   = 3
	topN             = 5
)

// ranges enumerates the supported query windows.
var ranges = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"12h": 12 * time.Hour,
	"1h":  time.Hour,
	"15m": 15 * time.Minute,
	"5m":  5 * time.Minute,
}

var scriptExtensions = map[string]bool{
	".sh": true, ".bash": true, ".ps1": true, ".py": true, ".rb": true,
	".pl": true, ".bat": true, ".cmd": true, ".exe": true,
}

var sensitiveFragments = []string{".env", "credential", "secret", "password", "ssh", "key material"}

// Entry is one correlated incident.
type Entry struct {
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	Source         model.Source           `json:"source"`
	AgentID        string                 `json:"agentId,omitempty"`
	User           string                 `json:"user,omitempty"`
	Path           string                 `json:"path"`
	Classification string                 `json:"classification"`
	Title          string                 `json:"title"`
	Summary        string                 `json:"summary"`
	Rationale      string                 `json:"rationale"`
	Severity       model.Severity         `json:"severity"`
	Mitre          []model.MitreTechnique `json:"mitre,omitempty"`
	BeforeHash     *string                `json:"beforeHash,omitempty"`
	AfterHash      *string                `json:"afterHash,omitempty"`
	EventIDs       []string               `json:"eventIds"`
	Count          int                    `json:"count"`
}

// PathCount is one row of the touched-path leaderboard.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// TechniqueCount is one row of the technique leaderboard.
type TechniqueCount struct {
	TechniqueID string `json:"techniqueId"`
	Count       int    `json:"count"`
}

// Stats summarizes the returned entries.
type Stats struct {
	TopPaths      []PathCount      `json:"topPaths"`
	TopTechniques []TechniqueCount `json:"topTechniques"`
}

// Result is the full timeline response.
type Result struct {
	Range   string  `json:"range"`
	Entries []Entry `json:"entries"`
	Stats   Stats   `json:"stats"`
}

// Correlator computes timelines from history snapshots.
type Correlator struct {
	hist  *history.History
	clock clock.Clock
}

// New creates a correlator. A nil clock uses wall-clock time.
func New(hist *history.History, clk clock.Clock) *Correlator {
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator{hist: hist, clock: clk}
}

// Build computes the timeline for one of the supported range names.
func (c *Correlator) Build(rangeName string) (*Result, error) {
	window, ok := ranges[rangeName]
	if !ok {
		return nil, fmt.Errorf("unsupported range %q", rangeName)
	}

	cutoff := c.clock.Now().UTC().Add(-window)
	events := c.hist.Snapshot()

	var inWindow []model.Event
	for _, ev := range events {
		if ev.IsSummary || ev.Type == model.EventBaseline {
			continue
		}
		if !ev.Timestamp.Before(cutoff) {
			inWindow = append(inWindow, ev)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		return inWindow[i].Timestamp.Before(inWindow[j].Timestamp)
	})

	groups := cluster(inWindow)

	entries := make([]Entry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, classify(g))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].End.After(entries[j].End)
	})

	return &Result{
		Range:   rangeName,
		Entries: entries,
		Stats:   computeStats(entries),
	}, nil
}

type groupKey struct {
	source  model.Source
	agentID string
	user    string
	path    string
}

type group struct {
	key    groupKey
	events []model.Event
}

// cluster walks ascending events once, extending the current run for a key
// while each member stays within the proximity gap of the previous one.
func cluster(events []model.Event) []group {
	var groups []group
	open := make(map[groupKey]int) // key -> index of its open group

	for _, ev := range events {
		k := groupKey{
			source:  ev.Source,
			agentID: ev.AgentID,
			user:    userOf(ev),
			path:    ev.Path,
		}

		if idx, ok := open[k]; ok {
			g := &groups[idx]
			last := g.events[len(g.events)-1]
			if ev.Timestamp.Sub(last.Timestamp) <= groupGap {
				g.events = append(g.events, ev)
				continue
			}
		}
		groups = append(groups, group{key: k, events: []model.Event{ev}})
		open[k] = len(groups) - 1
	}
	return groups
}

func userOf(ev model.Event) string {
	if ev.Metadata != nil && ev.Metadata.User != nil {
		return *ev.Metadata.User
	}
	return ""
}

// classify turns a group into a timeline entry using the ordered heuristics.
func classify(g group) Entry {
	first := g.events[0]
	last := g.events[len(g.events)-1]

	e := Entry{
		Start:    first.Timestamp,
		End:      last.Timestamp,
		Source:   g.key.source,
		AgentID:  g.key.agentID,
		User:     g.key.user,
		Path:     g.key.path,
		Severity: model.SeverityInfo,
		Count:    len(g.events),
	}

	for _, ev := range g.events {
		e.Severity = model.MaxSeverity(e.Severity, ev.Severity)
		e.EventIDs = append(e.EventIDs, ev.ID)
		if e.BeforeHash == nil && ev.BeforeHash != nil {
			e.BeforeHash = ev.BeforeHash
		}
		if ev.AfterHash != nil {
			e.AfterHash = ev.AfterHash
		}
		for _, m := range ev.Mitre {
			e.Mitre = appendTechnique(e.Mitre, m)
		}
	}

	lower := strings.ToLower(g.key.path)
	switch {
	case shortLived(g.events):
		e.Classification = "short-lived-file"
		e.Title = "Short-lived file"
		e.Summary = fmt.Sprintf("%s existed for under %s before removal.", g.key.path, shortLivedWindow)
		e.Rationale = "Created and deleted in quick succession, a pattern common to staging and cleanup."
		e.Mitre = ensureTechnique(e.Mitre, model.MitreTechnique{
			Tactic: "Defense Evasion", TechniqueID: "T1070", Technique: "Indicator Removal",
		})
	case scriptExtensions[extensionOf(lower)]:
		e.Classification = "script-activity"
		e.Title = "Script activity"
		e.Summary = fmt.Sprintf("Executable or script content changed at %s.", g.key.path)
		e.Rationale = "Script and binary artifacts are frequent interpreter-abuse vehicles."
		e.Mitre = ensureTechnique(e.Mitre, model.MitreTechnique{
			Tactic: "Execution", TechniqueID: "T1059", Technique: "Command and Scripting Interpreter",
		})
	case containsAny(lower, sensitiveFragments):
		e.Classification = "sensitive-file-touched"
		e.Title = "Sensitive file touched"
		e.Summary = fmt.Sprintf("Activity observed on credential-adjacent path %s.", g.key.path)
		e.Rationale = "The path name suggests secrets or key material."
		e.Mitre = ensureTechnique(e.Mitre, model.MitreTechnique{
			Tactic: "Credential Access", TechniqueID: "T1552", Technique: "Unsecured Credentials",
		})
	case countType(g.events, model.EventModify) >= rapidModifyMin:
		e.Classification = "rapid-modifications"
		e.Title = "Rapid modifications"
		e.Summary = fmt.Sprintf("%d modifications to %s in close succession.", countType(g.events, model.EventModify), g.key.path)
		e.Rationale = "Sustained rewriting of one artifact can indicate tampering or data staging."
		e.Mitre = ensureTechnique(e.Mitre, model.MitreTechnique{
			Tactic: "Impact", TechniqueID: "T1565", Technique: "Data Manipulation",
		})
	default:
		e.Classification = "file-activity"
		e.Title = "File activity observed"
		e.Summary = fmt.Sprintf("%d change(s) recorded at %s.", len(g.events), g.key.path)
		e.Rationale = "No elevated pattern matched; retained for completeness."
	}
	return e
}

// shortLived reports a create and delete pair within the short-lived window.
func shortLived(events []model.Event) bool {
	var created, deleted *time.Time
	for i := range events {
		switch events[i].Type {
		case model.EventCreate:
			if created == nil {
				created = &events[i].Timestamp
			}
		case model.EventDelete:
			deleted = &events[i].Timestamp
		}
	}
	return created != nil && deleted != nil && deleted.Sub(*created) <= shortLivedWindow
}

func countType(events []model.Event, t model.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func extensionOf(lowerPath string) string {
	idx := strings.LastIndexByte(lowerPath, '.')
	if idx < 0 || idx == len(lowerPath)-1 {
		return ""
	}
	if slash := strings.LastIndexByte(lowerPath, '/'); idx < slash {
		return ""
	}
	return lowerPath[idx:]
}

func appendTechnique(list []model.MitreTechnique, m model.MitreTechnique) []model.MitreTechnique {
	for _, have := range list {
		if have.TechniqueID == m.TechniqueID {
			return list
		}
	}
	return append(list, m)
}

// ensureTechnique injects a default technique only when the group carries
// none at all.
func ensureTechnique(list []model.MitreTechnique, m model.MitreTechnique) []model.MitreTechnique {
	if len(list) > 0 {
		return list
	}
	return append(list, m)
}

// computeStats builds the trailing leaderboards over the returned entries.
func computeStats(entries []Entry) Stats {
	pathCounts := make(map[string]int)
	techCounts := make(map[string]int)
	for _, e := range entries {
		pathCounts[e.Path] += e.Count
		for _, m := range e.Mitre {
			techCounts[m.TechniqueID]++
		}
	}

	stats := Stats{
		TopPaths:      make([]PathCount, 0, len(pathCounts)),
		TopTechniques: make([]TechniqueCount, 0, len(techCounts)),
	}
	for p, n := range pathCounts {
		stats.TopPaths = append(stats.TopPaths, PathCount{Path: p, Count: n})
	}
	for t, n := range techCounts {
		stats.TopTechniques = append(stats.TopTechniques, TechniqueCount{TechniqueID: t, Count: n})
	}

	sort.Slice(stats.TopPaths, func(i, j int) bool {
		if stats.TopPaths[i].Count != stats.TopPaths[j].Count {
			return stats.TopPaths[i].Count > stats.TopPaths[j].Count
		}
		return stats.TopPaths[i].Path < stats.TopPaths[j].Path
	})
	sort.Slice(stats.TopTechniques, func(i, j int) bool {
		if stats.TopTechniques[i].Count != stats.TopTechniques[j].Count {
			return stats.TopTechniques[i].Count > stats.TopTechniques[j].Count
		}
		return stats.TopTechniques[i].TechniqueID < stats.TopTechniques[j].TechniqueID
	})

	if len(stats.TopPaths) > topN {
		stats.TopPaths = stats.TopPaths[:topN]
	}
	if len(stats.TopTechniques) > topN {
		stats.TopTechniques = stats.TopTechniques[:topN]
	}
	return stats
}

// Ranges lists the supported range names for diagnostics and validation.
func Ranges() []string {
	out := make([]string, 0, len(ranges))
	for name := range ranges {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
