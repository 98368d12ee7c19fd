// Package risk scores how anomalous an event looks. The assessment is a
// deterministic function of the event kind, path, digests, and recent
// same-path activity, so identical inputs always produce identical scores.
package risk

import (
	"strings"

	"hackstone/internal/model"
)

var baseScore = map[model.EventType]int{
	model.EventCreate: 25,
	model.EventModify: 45,
	model.EventDelete: 65,
}

var executableExtensions = map[string]bool{
	".sh": true, ".ps1": true, ".exe": true, ".dll": true, ".so": true, ".bat": true,
}

var configExtensions = map[string]bool{
	".json": true, ".yml": true, ".yaml": true, ".conf": true, ".ini": true,
}

// Assess scores an event. recentSamePath is the number of events already
// observed on the same path within the trailing 15 minutes.
func Assess(kind model.EventType, path string, before, after *string, recentSamePath int) model.RiskAssessment {
	score := baseScore[kind]
	var reasons []string

	// Digest factors, in fixed precedence order.
	switch {
	case before != nil && after != nil && *before != *after:
		score += 22
		reasons = append(reasons, "content hash drift detected")
	case before == nil && after != nil:
		score += 12
		reasons = append(reasons, "new artifact introduced")
	case kind == model.EventDelete && before != nil:
		score += 15
		reasons = append(reasons, "tracked artifact removed")
	}

	if recentSamePath > 0 {
		bump := 8 * recentSamePath
		if bump > 24 {
			bump = 24
		}
		score += bump
		reasons = append(reasons, "repeated activity on this path")
	}

	ext := extensionOf(strings.ToLower(path))
	switch {
	case executableExtensions[ext]:
		score += 18
		reasons = append(reasons, "executable or script content")
	case configExtensions[ext]:
		score += 8
		reasons = append(reasons, "structured configuration content")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	reason := "routine activity"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return model.RiskAssessment{Score: score, Label: Label(score), Reason: reason}
}

// Label maps a score to its triage label.
func Label(score int) string {
	switch {
	case score >= 80:
		return "Critical"
	case score >= 55:
		return "Elevated"
	case score >= 35:
		return "Watch"
	default:
		return "Stable"
	}
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
