package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractParallel(t *testing.T) {
	r := NewRouter()
	ext := r.Extract("@athena @sindri 빌드해줘")
	if ext.Mode != ModeParallel {
		t.Fatalf("Mode = %v, want Parallel", ext.Mode)
	}
	if len(ext.Personas) != 2 {
		t.Fatalf("Personas = %+v, want 2 entries", ext.Personas)
	}
	if ext.Personas[0].AgentID != "pm" || ext.Personas[1].AgentID != "backend" {
		t.Fatalf("Personas = %+v, want [pm backend]", ext.Personas)
	}
	if ext.Rest != "빌드해줘" {
		t.Fatalf("Rest = %q, want %q", ext.Rest, "빌드해줘")
	}
}

func TestExtractParallelStopsAtFirstNonPersona(t *testing.T) {
	r := NewRouter()
	ext := r.Extract("@athena please build this @sindri")
	if len(ext.Personas) != 1 || ext.Personas[0].Name != "athena" {
		t.Fatalf("Personas = %+v, want only athena", ext.Personas)
	}
	if ext.Rest != "please build this @sindri" {
		t.Fatalf("Rest = %q", ext.Rest)
	}
}

func TestExtractPipeline(t *testing.T) {
	r := NewRouter()
	ext := r.Extract("@athena plan it -> @sindri build it")
	if ext.Mode != ModePipeline {
		t.Fatalf("Mode = %v, want Pipeline", ext.Mode)
	}
	if len(ext.Personas) != 2 {
		t.Fatalf("Personas = %+v, want 2 stages", ext.Personas)
	}
	if ext.Personas[0].Instruction != "plan it" || ext.Personas[1].Instruction != "build it" {
		t.Fatalf("Personas = %+v, wrong instructions", ext.Personas)
	}
	if ext.Rest == "" {
		t.Fatal("Rest should equal the full input for Pipeline mode")
	}
}

func TestExtractCollaborative(t *testing.T) {
	r := NewRouter()
	ext := r.Extract("@sindri @heimdall collaborate: ship the API")
	if ext.Mode != ModeCollaborative {
		t.Fatalf("Mode = %v, want Collaborative", ext.Mode)
	}
	if len(ext.Personas) != 2 {
		t.Fatalf("Personas = %+v, want 2", ext.Personas)
	}
	if ext.Rest != "ship the API" {
		t.Fatalf("Rest = %q, want %q", ext.Rest, "ship the API")
	}
}

func TestExtractNoPersonaFound(t *testing.T) {
	r := NewRouter()
	ext := r.Extract("hello there")
	if len(ext.Personas) != 0 {
		t.Fatalf("Personas = %+v, want none", ext.Personas)
	}
}

func TestExtractIdempotentOnRest(t *testing.T) {
	r := NewRouter()
	first := r.Extract("@athena @sindri 빌드해줘")
	second := r.Extract(first.Rest)
	if len(second.Personas) != 0 {
		t.Fatalf("re-extracting Rest found personas %+v, want none", second.Personas)
	}
}

func TestLoadPresetsOverridesFormatting(t *testing.T) {
	r := NewRouter()
	r.LoadPresets([]Preset{{Name: "athena", AgentID: "pm", ResponsePrefix: "[Athena/PM]"}})
	got := r.FormatResponse("athena", "done")
	if got != "[Athena/PM] done" {
		t.Fatalf("FormatResponse() = %q, want preset prefix applied", got)
	}
}

func TestFormatResponseFallsBackWithoutPreset(t *testing.T) {
	r := NewRouter()
	got := r.FormatResponse("sindri", "done")
	if got != "[sindri] done" {
		t.Fatalf("FormatResponse() = %q, want default bracket form", got)
	}
}

func TestLoadPresetsFromDirReadsYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	preset := "name: athena\nagent_id: pm\nsystem_prompt: be terse\nresponse_prefix: \"[Athena/PM]\"\n"
	if err := os.WriteFile(filepath.Join(dir, "athena.yaml"), []byte(preset), 0o644); err != nil {
		t.Fatalf("write preset file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write non-preset file: %v", err)
	}

	presets, err := LoadPresetsFromDir(dir)
	if err != nil {
		t.Fatalf("LoadPresetsFromDir() error = %v", err)
	}
	if len(presets) != 1 {
		t.Fatalf("len(presets) = %d, want 1", len(presets))
	}
	if presets[0].Name != "athena" || presets[0].AgentID != "pm" {
		t.Fatalf("presets[0] = %+v, want athena/pm", presets[0])
	}
}

func TestLoadPresetsFromDirMissingDirIsNotAnError(t *testing.T) {
	presets, err := LoadPresetsFromDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadPresetsFromDir() error = %v, want nil for a missing directory", err)
	}
	if presets != nil {
		t.Fatalf("presets = %+v, want nil", presets)
	}
}

func TestLoadPresetsFromDirRejectsPresetWithoutName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("agent_id: pm\n"), 0o644); err != nil {
		t.Fatalf("write preset file: %v", err)
	}
	if _, err := LoadPresetsFromDir(dir); err == nil {
		t.Fatalf("expected an error for a preset file with no name")
	}
}
