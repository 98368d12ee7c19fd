package govern

import (
	"strings"
	"testing"
)

func TestGovernanceKeywordsAlwaysExcluded(t *testing.T) {
	f := New(nil, false)

	cases := []string{
		"etc/secret.txt",
		"home/user/PERSONAL/notes.md",
		"var/Private/key",
		"exports/pii-dump.csv",
		"nested/dir/secrets/config.yaml",
	}
	for _, path := range cases {
		if !f.Excluded(path) {
			t.Errorf("Excluded(%q) = false, want true", path)
		}
	}
}

func TestHiddenSegments(t *testing.T) {
	f := New(nil, false)
	if !f.Excluded(".git/config") {
		t.Error("hidden directory should be excluded")
	}
	if !f.Excluded("project/.env.local") {
		t.Error("hidden file should be excluded")
	}

	inclusive := New(nil, true)
	if inclusive.Excluded(".hidden/file.txt") {
		t.Error("hidden path should pass with includeHidden")
	}
}

func TestIgnoreGlobs(t *testing.T) {
	f := New([]string{"*.tmp", "node_modules"}, true)

	if !f.Excluded("build/output.tmp") {
		t.Error("glob should match file segment")
	}
	if !f.Excluded("app/node_modules/pkg/index.js") {
		t.Error("glob should match directory segment")
	}
	if f.Excluded("app/src/main.go") {
		t.Error("unmatched path should pass")
	}
}

func TestDescriptionMentionsActivePredicates(t *testing.T) {
	f := New([]string{"*.bak"}, false)
	desc := f.Description()
	for _, want := range []string{"secret", "hidden:excluded", "*.bak"} {
		if !strings.Contains(desc, want) {
			t.Errorf("Description() = %q, missing %q", desc, want)
		}
	}
}
