package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hackstone/internal/logging"
	"hackstone/internal/model"
)

// ruleFile is the on-disk YAML document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads the rule set from a YAML file. The loader self-heals: a
// missing file is created with the built-in defaults, and an unparsable one
// is backed up aside and replaced by defaults. Startup is never aborted by
// rule configuration problems.
func LoadFile(path string, log *logging.Logger) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info("rules file missing, writing defaults", "path", path)
		if writeErr := writeDefaults(path); writeErr != nil {
			log.Warn("could not write default rules", "path", path, "error", writeErr)
		}
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
		if renameErr := os.Rename(path, backup); renameErr == nil {
			log.Warn("corrupt rules file backed up, using defaults", "path", path, "backup", backup)
			if writeErr := writeDefaults(path); writeErr != nil {
				log.Warn("could not write default rules", "path", path, "error", writeErr)
			}
		} else {
			log.Warn("corrupt rules file, using defaults", "path", path, "error", err)
		}
		return DefaultRules(), nil
	}

	valid := make([]Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		if err := r.compile(); err != nil {
			log.Warn("invalid rule skipped", "rule_id", r.ID, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	log.Info("rules loaded", "path", path, "count", len(valid))
	return valid, nil
}

// writeDefaults persists the built-in rule set so operators have a template
// to edit.
func writeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(ruleFile{Rules: DefaultRules()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultRules returns the built-in rule set used when no operator
// configuration exists.
func DefaultRules() []Rule {
	minKeySize := int64(1)
	return []Rule{
		{
			ID:          "credential-material",
			Description: "key or credential material touched",
			Match: Match{
				PathKeywords: []string{".env", "credential", "password", "id_rsa", ".pem"},
				MinSizeBytes: &minKeySize,
			},
			BaseSeverity:       "high",
			RiskScore:          70,
			DataClassification: "confidential",
			Tags:               []string{"credentials"},
			Mitre: []model.MitreTechnique{
				{Tactic: "Credential Access", TechniqueID: "T1552", Technique: "Unsecured Credentials"},
			},
			RecommendedAction: "Rotate any credentials stored at this path and review access.",
			AlertPolicy:       "page",
		},
		{
			ID:          "executable-dropped",
			Description: "executable or script content observed",
			Match: Match{
				Extensions: []string{".sh", ".ps1", ".exe", ".dll", ".so", ".bat"},
			},
			BaseSeverity: "medium",
			SeverityModifiers: map[model.EventType]model.Severity{
				"create": "high",
			},
			RiskScore: 55,
			Tags:      []string{"executable"},
			Mitre: []model.MitreTechnique{
				{Tactic: "Execution", TechniqueID: "T1059", Technique: "Command and Scripting Interpreter"},
			},
			RecommendedAction: "Confirm the binary came from an authorized deployment.",
		},
		{
			ID:          "system-config-drift",
			Description: "structured configuration changed",
			Match: Match{
				Extensions: []string{".json", ".yml", ".yaml", ".conf", ".ini"},
			},
			BaseSeverity:       "low",
			RiskScore:          30,
			DataClassification: "internal",
			Tags:               []string{"config"},
		},
	}
}
