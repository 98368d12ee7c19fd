// Package model defines the canonical event types shared by every stage of
// the monitoring pipeline. Producers (the local watcher, the agent ingestion
// endpoint) normalize their raw input into a Change once at pipeline entry;
// everything downstream works with one Event shape.
package model

import "time"

// EventType classifies a filesystem change.
type EventType string

const (
	EventCreate   EventType = "create"
	EventModify   EventType = "modify"
	EventDelete   EventType = "delete"
	EventBaseline EventType = "baseline"
)

// Valid reports whether t is one of the change types accepted from producers.
func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventModify, EventDelete:
		return true
	}
	return false
}

// Source identifies where a change was observed.
type Source string

const (
	SourceLocal Source = "local"
	SourceAgent Source = "agent"
)

// Severity levels form a total order; escalation never moves down it.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the position of s in the severity ordering. Unknown
// severities rank below info so they can never win an escalation.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// DefaultSeverity is the baseline severity for an event kind when no rule
// matched: creates are informational, modifications medium, deletions high.
func DefaultSeverity(t EventType) Severity {
	switch t {
	case EventModify:
		return SeverityMedium
	case EventDelete:
		return SeverityHigh
	default:
		return SeverityInfo
	}
}

// Classification labels the sensitivity of the data an event touched.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassSecret       Classification = "secret"
)

var classificationRank = map[Classification]int{
	ClassPublic:       0,
	ClassInternal:     1,
	ClassConfidential: 2,
	ClassSecret:       3,
}

// Rank returns the position of c in the classification ordering.
func (c Classification) Rank() int {
	if r, ok := classificationRank[c]; ok {
		return r
	}
	return -1
}

// MaxClassification returns the higher of a and b.
func MaxClassification(a, b Classification) Classification {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MitreTechnique maps an event to an ATT&CK-style technique for triage.
type MitreTechnique struct {
	Tactic      string `json:"tactic" yaml:"tactic"`
	TechniqueID string `json:"technique_id" yaml:"technique_id"`
	Technique   string `json:"technique" yaml:"technique"`
}

// WellFormed reports whether the triple carries all three fields.
func (m MitreTechnique) WellFormed() bool {
	return m.Tactic != "" && m.TechniqueID != "" && m.Technique != ""
}

// DefaultMitre returns the technique historically attached to each event
// kind: dropped files map to script execution, modifications to data
// manipulation, deletions to indicator removal.
func DefaultMitre(t EventType) []MitreTechnique {
	switch t {
	case EventCreate:
		return []MitreTechnique{{Tactic: "Execution", TechniqueID: "T1059", Technique: "Command and Scripting Interpreter"}}
	case EventModify:
		return []MitreTechnique{{Tactic: "Impact", TechniqueID: "T1565", Technique: "Data Manipulation"}}
	case EventDelete:
		return []MitreTechnique{{Tactic: "Defense Evasion", TechniqueID: "T1070", Technique: "Indicator Removal"}}
	}
	return nil
}

// FileMetadata captures filesystem attributes for a path. Any field may be
// nil when the attribute was unavailable, e.g. a deleted file with no cached
// metadata.
type FileMetadata struct {
	UID   *int       `json:"uid"`
	GID   *int       `json:"gid"`
	User  *string    `json:"user"`
	Mode  *string    `json:"mode"`
	Size  *int64     `json:"size"`
	Mtime *time.Time `json:"mtime"`
	Ctime *time.Time `json:"ctime"`
}

// Empty reports whether no attribute could be collected.
func (m *FileMetadata) Empty() bool {
	if m == nil {
		return true
	}
	return m.UID == nil && m.GID == nil && m.User == nil && m.Mode == nil &&
		m.Size == nil && m.Mtime == nil && m.Ctime == nil
}

// RiskAssessment is the deterministic anomalousness score for an event.
type RiskAssessment struct {
	Score  int    `json:"score"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// QuarantineInfo records the outcome of quarantine staging.
type QuarantineInfo struct {
	Recommended bool   `json:"recommended"`
	Performed   bool   `json:"performed"`
	StagedPath  string `json:"staged_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SummaryInfo is attached to synthesized burst-summary events.
type SummaryInfo struct {
	Suppressed  int       `json:"suppressed"`
	Total       int       `json:"total"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Event is the immutable record emitted by the processing pipeline. It is
// appended to history, written to the audit log, and broadcast exactly once.
type Event struct {
	ID                 string           `json:"id"`
	Type               EventType        `json:"type"`
	Path               string           `json:"path"`
	Timestamp          time.Time        `json:"timestamp"`
	BeforeHash         *string          `json:"beforeHash"`
	AfterHash          *string          `json:"afterHash"`
	Mitre              []MitreTechnique `json:"mitre,omitempty"`
	Severity           Severity         `json:"severity"`
	Tags               []string         `json:"tags,omitempty"`
	Risk               RiskAssessment   `json:"riskAssessment"`
	Source             Source           `json:"source"`
	AgentID            string           `json:"agentId,omitempty"`
	Metadata           *FileMetadata    `json:"metadata,omitempty"`
	Quarantine         *QuarantineInfo  `json:"quarantine,omitempty"`
	RuleMatches        []string         `json:"rule_matches,omitempty"`
	DataClassification Classification   `json:"data_classification,omitempty"`
	RecommendedAction  string           `json:"recommended_action,omitempty"`
	AlertPolicy        string           `json:"alert_policy,omitempty"`
	Message            string           `json:"message,omitempty"`
	Host               string           `json:"host,omitempty"`
	Site               string           `json:"site,omitempty"`
	IsSummary          bool             `json:"is_summary"`
	Summary            *SummaryInfo     `json:"summary,omitempty"`
}

// HasMitre reports whether the event already carries the given technique id.
func (e *Event) HasMitre(techniqueID string) bool {
	for _, m := range e.Mitre {
		if m.TechniqueID == techniqueID {
			return true
		}
	}
	return false
}

// AddTags unions tags into the event's tag set, preserving first-seen order.
func (e *Event) AddTags(tags ...string) {
	for _, t := range tags {
		found := false
		for _, existing := range e.Tags {
			if existing == t {
				found = true
				break
			}
		}
		if !found {
			e.Tags = append(e.Tags, t)
		}
	}
}

// Change is the normalized pipeline input produced by the watcher or the
// agent ingestion endpoint. Field names raw producers use interchangeably
// (hash vs afterHash, prev_hash vs beforeHash) are resolved here, once.
type Change struct {
	Scope     string
	Source    Source
	AgentID   string
	Type      EventType
	Path      string // scope-relative, slash-separated
	AbsPath   string // local changes only
	Timestamp time.Time

	// Caller-supplied fields for agent changes.
	SuppliedID       string
	SuppliedHash     *string
	SuppliedPrevHash *string
	SuppliedMetadata *FileMetadata
}
