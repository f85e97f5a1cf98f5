// Package persona parses persona mentions out of free-form user text and
// picks an ExecutionMode for the orchestrator to honor.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ExecutionMode describes how the orchestrator should dispatch across the
// personas extracted from one utterance.
type ExecutionMode string

const (
	// ModeParallel runs every extracted persona against the same rest text.
	ModeParallel ExecutionMode = "parallel"

	// ModePipeline chains personas, each stage's instruction feeding the next.
	ModePipeline ExecutionMode = "pipeline"

	// ModeCollaborative routes every extracted persona at the one task found
	// after "collaborate:"/"협업:".
	ModeCollaborative ExecutionMode = "collaborative"
)

// Mention is one persona reference resolved against the Router's map.
type Mention struct {
	Name        string
	AgentID     string
	Instruction string
}

// Extraction is the result of parsing one utterance.
type Extraction struct {
	Personas []Mention
	Rest     string
	Mode     ExecutionMode
}

// Preset is a per-persona configuration loaded from a YAML file under
// <data_dir>/personas/*.yaml.
type Preset struct {
	Name            string `yaml:"name"`
	AgentID         string `yaml:"agent_id"`
	SystemPrompt    string `yaml:"system_prompt"`
	ResponsePrefix  string `yaml:"response_prefix"`
}

// Router maps persona names to agent ids and, optionally, a loaded Preset.
// The zero value is a Router seeded with no personas; use NewRouter for the
// built-in default mapping. Safe for concurrent use: LoadPresets may be
// called from a config-watch goroutine while Extract runs on the
// orchestrator's own goroutines.
type Router struct {
	mu          sync.RWMutex
	nameToAgent map[string]string
	agentToName map[string]string
	presets     map[string]Preset
}

// defaultMapping mirrors the built-in persona→agent table: a handful of
// named personas bound to coarse-grained agent roles.
var defaultMapping = map[string]string{
	"cratos":   "orchestrator",
	"athena":   "pm",
	"sindri":   "backend",
	"heimdall": "qa",
	"mimir":    "researcher",
	"odin":     "po",
	"hestia":   "hr",
	"norns":    "ba",
	"apollo":   "ux",
	"freya":    "cs",
	"tyr":      "legal",
	"nike":     "marketing",
	"thor":     "devops",
	"brok":     "backend",
}

// NewRouter builds a Router seeded with the built-in persona map.
func NewRouter() *Router {
	r := &Router{
		nameToAgent: make(map[string]string, len(defaultMapping)),
		agentToName: make(map[string]string, len(defaultMapping)),
		presets:     make(map[string]Preset),
	}
	for name, agent := range defaultMapping {
		r.nameToAgent[name] = agent
		r.agentToName[agent] = name
	}
	return r
}

// LoadPresets extends (or overrides) the map with the given presets, keyed
// by their lowercased Name. Called at startup, and again on each config
// watch reload, after presets have been read from disk; the Router itself
// does no file I/O.
func (r *Router) LoadPresets(presets []Preset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, preset := range presets {
		name := strings.ToLower(preset.Name)
		r.nameToAgent[name] = preset.AgentID
		r.agentToName[strings.ToLower(preset.AgentID)] = name
		r.presets[name] = preset
	}
}

// LoadPresetsFromDir reads every *.yaml/*.yml file directly under dir as a
// Preset and returns them sorted by filename. A missing directory is not
// an error: it simply yields no presets, since preset customization is
// optional. Reading stops at the first unreadable, malformed, or unnamed
// file: the presets read before it are returned together with an error
// naming its path.
func LoadPresetsFromDir(dir string) ([]Preset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persona: read presets dir %s: %w", dir, err)
	}

	var presets []Preset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return presets, fmt.Errorf("persona: read preset %s: %w", path, err)
		}
		var preset Preset
		if err := yaml.Unmarshal(data, &preset); err != nil {
			return presets, fmt.Errorf("persona: parse preset %s: %w", path, err)
		}
		if preset.Name == "" {
			return presets, fmt.Errorf("persona: preset %s has no name", path)
		}
		presets = append(presets, preset)
	}
	return presets, nil
}

// AgentID resolves a persona name to its agent id.
func (r *Router) AgentID(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.nameToAgent[strings.ToLower(name)]
	return agent, ok
}

// IsPersona reports whether name is a known persona.
func (r *Router) IsPersona(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nameToAgent[strings.ToLower(name)]
	return ok
}

// Preset returns the loaded preset for a persona name, if any.
func (r *Router) Preset(name string) (Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[strings.ToLower(name)]
	return p, ok
}

// FormatResponse applies a persona's response_prefix, falling back to
// "[name] content" when no preset was loaded for it.
func (r *Router) FormatResponse(name, content string) string {
	if preset, ok := r.Preset(name); ok && preset.ResponsePrefix != "" {
		return preset.ResponsePrefix + " " + content
	}
	return "[" + strings.ToLower(name) + "] " + content
}

var trimChars = []byte{',', '.', '!', '?', ':', ';'}

func cleanToken(tok string) string {
	tok = strings.TrimPrefix(tok, "@")
	return strings.TrimRight(tok, string(trimChars))
}

// Extract parses message and returns the personas mentioned, the mode, and
// the remaining text. It returns an empty Extraction (Mode=Parallel, no
// personas) when no persona is recognized, so callers can treat that as "no
// persona found" by checking len(Personas).
func (r *Router) Extract(message string) Extraction {
	switch detectMode(message) {
	case ModePipeline:
		return r.extractPipeline(message)
	case ModeCollaborative:
		return r.extractCollaborative(message)
	default:
		return r.extractParallel(message)
	}
}

func detectMode(message string) ExecutionMode {
	if strings.Contains(message, "->") {
		return ModePipeline
	}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "collaborate:") || strings.Contains(message, "협업:") {
		return ModeCollaborative
	}
	return ModeParallel
}

func (r *Router) extractParallel(message string) Extraction {
	var personas []Mention
	var rest []string
	inPrefix := true

	for _, tok := range strings.Fields(message) {
		lower := strings.ToLower(cleanToken(tok))
		if inPrefix {
			if agentID, ok := r.AgentID(lower); ok {
				personas = append(personas, Mention{Name: lower, AgentID: agentID})
				continue
			}
			inPrefix = false
		}
		rest = append(rest, tok)
	}

	return Extraction{Personas: personas, Rest: strings.Join(rest, " "), Mode: ModeParallel}
}

func (r *Router) extractPipeline(message string) Extraction {
	var personas []Mention
	for _, stage := range strings.Split(message, "->") {
		stage = strings.TrimSpace(stage)
		first, rest, _ := strings.Cut(stage, " ")
		lower := strings.ToLower(cleanToken(first))
		agentID, ok := r.AgentID(lower)
		if !ok {
			continue
		}
		personas = append(personas, Mention{
			Name:        lower,
			AgentID:     agentID,
			Instruction: strings.TrimSpace(rest),
		})
	}
	return Extraction{Personas: personas, Rest: message, Mode: ModePipeline}
}

func (r *Router) extractCollaborative(message string) Extraction {
	lower := strings.ToLower(message)
	idx := strings.Index(lower, "collaborate:")
	marker := "collaborate:"
	if idx < 0 {
		if i := strings.Index(message, "협업:"); i >= 0 {
			idx, marker = i, "협업:"
		}
	}

	prefix, task := message, ""
	if idx >= 0 {
		prefix = message[:idx]
		task = strings.TrimSpace(message[idx+len(marker):])
	}

	var personas []Mention
	for _, tok := range strings.Fields(prefix) {
		lower := strings.ToLower(cleanToken(tok))
		if agentID, ok := r.AgentID(lower); ok {
			personas = append(personas, Mention{Name: lower, AgentID: agentID})
		}
	}
	return Extraction{Personas: personas, Rest: task, Mode: ModeCollaborative}
}
