package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/circuits/internal/lua"
	"github.com/mpataki/circuits/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every authoring-rule violation.
var ErrInvalid = errors.New("invalid circuit")

// definition is the on-disk shape of a circuit.
type definition struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Tasks       []models.Task `json:"tasks" yaml:"tasks"`
}

// Definition is a circuit parsed from a file, with the messages a Lua
// script passed to log().
type Definition struct {
	Path    string
	Circuit *models.Circuit
	Logs    []string
}

// Load reads a YAML, JSON or Lua circuit definition and validates it.
func Load(path string) (*Definition, error) {
	def := &Definition{Path: path}
	if lua.IsLuaSpec(path) {
		r := lua.NewRuntime()
		c, err := r.LoadFile(path)
		def.Logs = r.GetLogs()
		if err != nil {
			return def, err
		}
		if err := Validate(c); err != nil {
			return def, err
		}
		def.Circuit = c
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read circuit file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	if def.Circuit, err = Parse(data, format); err != nil {
		return def, err
	}
	return def, nil
}

// Parse decodes a definition in format ("yaml" or "json") and validates it.
func Parse(data []byte, format string) (*models.Circuit, error) {
	var def definition
	switch format {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse circuit JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse circuit YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown circuit format %q", format)
	}

	c := &models.Circuit{
		Name:        strings.TrimSpace(def.Name),
		Description: def.Description,
		Tasks:       def.Tasks,
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadAll parses every definition in dirs. Directories are read in the
// order given and files within one directory by name, so two files naming
// the same circuit both appear. Missing directories are skipped.
func LoadAll(dirs []string) ([]*Definition, error) {
	var defs []*Definition

	for _, dir := range dirs {
		found, err := loadFromDir(dir)
		if err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		defs = append(defs, found...)
	}

	return defs, nil
}

func loadFromDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinition(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		defs = append(defs, def)
	}

	return defs, nil
}

// IsDefinition reports whether path has a circuit definition extension.
func IsDefinition(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".lua":
		return true
	}
	return false
}

// Validate applies the authoring rules: a name, at least one task, and a
// name and positive duration for every task. All problems are reported.
func Validate(c *models.Circuit) error {
	var problems []string

	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "circuit must have a name")
	}
	if len(c.Tasks) == 0 {
		problems = append(problems, "circuit must define at least one task")
	}
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			problems = append(problems, fmt.Sprintf("task %d must have a name", i+1))
		}
		if t.Duration <= 0 {
			problems = append(problems, fmt.Sprintf("task %d duration must be greater than 0, got %d", i+1, t.Duration))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Marshal encodes the authored fields of c as a definition that Parse reads
// back. Stored IDs, timestamps and session state are left out.
func Marshal(c *models.Circuit, format string) ([]byte, error) {
	def := definition{Name: c.Name, Description: c.Description, Tasks: c.Tasks}
	switch format {
	case "json":
		data, err := json.MarshalIndent(def, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml":
		return yaml.Marshal(def)
	}
	return nil, fmt.Errorf("unknown circuit format %q", format)
}

// ValidateSession checks a session write against the circuit it belongs
// to. StepIndex may equal the task count only once every task is done, and
// then nothing can remain.
func ValidateSession(c *models.Circuit, rs models.RunSession) error {
	var problems []string

	switch rs.Phase {
	case models.PhaseIdle, models.PhaseRunning, models.PhasePaused, models.PhaseFinished:
	default:
		problems = append(problems, fmt.Sprintf("unknown phase %q", rs.Phase))
	}

	n := len(c.Tasks)
	switch {
	case rs.StepIndex < 0 || rs.StepIndex > n:
		problems = append(problems, fmt.Sprintf("step_index %d is outside 0..%d", rs.StepIndex, n))
	case rs.RemainingSeconds < 0:
		problems = append(problems, fmt.Sprintf("remaining_seconds cannot be negative, got %d", rs.RemainingSeconds))
	case rs.StepIndex == n && rs.RemainingSeconds != 0:
		problems = append(problems, fmt.Sprintf("remaining_seconds must be 0 after the last task, got %d", rs.RemainingSeconds))
	case rs.StepIndex < n && rs.RemainingSeconds > c.Tasks[rs.StepIndex].Duration:
		problems = append(problems, fmt.Sprintf("remaining_seconds %d exceeds task %d duration %d",
			rs.RemainingSeconds, rs.StepIndex+1, c.Tasks[rs.StepIndex].Duration))
	}
	if rs.RemainingSeconds < 0 && (rs.StepIndex < 0 || rs.StepIndex > n) {
		problems = append(problems, fmt.Sprintf("remaining_seconds cannot be negative, got %d", rs.RemainingSeconds))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: session: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
