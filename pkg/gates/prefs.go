package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// prefsFileName holds the persisted gate selection under <project>/.kkcode/.
const prefsFileName = "gate-prefs.json"

// Prompter asks the user one free-form question. The run command wires a
// terminal prompter; serve mode uses none and skips the selection dialogue.
type Prompter interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// PrefsPath returns the gate preferences file for a project.
func PrefsPath(projectDir string) string {
	return filepath.Join(projectDir, ".kkcode", prefsFileName)
}

// LoadPreferences reads the persisted gate selection. A missing file returns
// (nil, nil).
func LoadPreferences(projectDir string) (map[string]bool, error) {
	data, err := os.ReadFile(PrefsPath(projectDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading gate preferences: %w", err)
	}
	prefs := make(map[string]bool)
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("parsing gate preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences persists the gate selection for future runs.
func SavePreferences(projectDir string, prefs map[string]bool) error {
	path := PrefsPath(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating gate preferences dir: %w", err)
	}
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding gate preferences: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing gate preferences: %w", err)
	}
	return nil
}

// BuildSelectionPrompt renders the current gate enablement for the selection
// dialogue.
func BuildSelectionPrompt(current map[string]bool) string {
	var b strings.Builder
	b.WriteString("Select the quality gates to run before completion:\n")
	for _, name := range GateOrder {
		state := "off"
		if current[name] {
			state = "on"
		}
		fmt.Fprintf(&b, "  %s: %s\n", name, state)
	}
	b.WriteString("Reply with per-gate choices (e.g. \"build: on, test: off\"), \"all\", or \"none\". An empty reply keeps the selection above.\n")
	return b.String()
}

var selectionRe = regexp.MustCompile(`(?i)\b(build|test|review|health|budget)\b[\s:=-]*\b(on|off|yes|no|true|false|enabled?|disabled?)\b`)

// ParseSelection extracts gate choices from a free-form reply. It returns nil
// when the reply contains no recognizable selection, so the caller keeps the
// current enablement. "all" and "none" set every gate before per-gate choices
// are applied.
func ParseSelection(text string) map[string]bool {
	lower := strings.ToLower(text)
	out := make(map[string]bool)

	if matched, _ := regexp.MatchString(`\ball\b`, lower); matched {
		for _, name := range GateOrder {
			out[name] = true
		}
	}
	if matched, _ := regexp.MatchString(`\bnone\b`, lower); matched {
		for _, name := range GateOrder {
			out[name] = false
		}
	}

	for _, m := range selectionRe.FindAllStringSubmatch(lower, -1) {
		out[m[1]] = isAffirmative(m[2])
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func isAffirmative(word string) bool {
	switch word {
	case "on", "yes", "true", "enable", "enabled":
		return true
	default:
		return false
	}
}
