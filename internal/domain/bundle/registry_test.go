package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const sepsisYAML = `
id: sepsis-adult
name: Adult Sepsis Bundle
version: 1
cooldown: 48h
triggers:
  - event: diagnosis
    code_pattern: "^A41"
elements:
  - id: blood-culture
    kind: culture-collected
    specimen_type: blood
    window: 1h
    required: true
    severity: critical
  - id: broad-spectrum-abx
    kind: medication-admin
    medication_class: antibiotic
    window: 1h
    required: true
    severity: critical
  - id: lactate
    kind: lab-collected
    codes: ["LACT"]
    window: 3h
    required: true
`

func writeBundleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing bundle file: %v", err)
	}
	return path
}

func TestLoadDirParsesDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "sepsis.yaml", sepsisYAML)
	writeBundleFile(t, dir, "notes.txt", "not a bundle")

	r := NewRegistry(nil, zerolog.Nop())
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	active := r.Active()
	if len(active) != 1 {
		t.Fatalf("%d active bundles, want 1", len(active))
	}
	def := active[0]
	if def.ID != "sepsis-adult" || def.Version != 1 {
		t.Errorf("loaded %s v%d", def.ID, def.Version)
	}
	if len(def.Elements) != 3 {
		t.Errorf("%d elements, want 3", len(def.Elements))
	}
	if def.CooldownOrDefault().Hours() != 48 {
		t.Errorf("cooldown = %v", def.CooldownOrDefault())
	}
	if !def.Elements[0].Required || def.Elements[0].Severity != "critical" {
		t.Errorf("element flags not parsed: %+v", def.Elements[0])
	}
}

func TestEnabledSetFiltersActive(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "sepsis.yaml", sepsisYAML)

	r := NewRegistry([]string{"febrile-infant"}, zerolog.Nop())
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(r.Active()) != 0 {
		t.Error("disabled bundle appears in Active()")
	}
	// Still resolvable for episodes opened before the toggle.
	if _, ok := r.Get("sepsis-adult", 1); !ok {
		t.Error("disabled bundle should still resolve by (id, version)")
	}
}

func TestVersionBoundarySwap(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	dir := t.TempDir()
	path := writeBundleFile(t, dir, "sepsis.yaml", sepsisYAML)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile v1 failed: %v", err)
	}

	v2 := `
id: sepsis-adult
name: Adult Sepsis Bundle
version: 2
triggers:
  - event: diagnosis
    code_pattern: "^A41"
elements:
  - id: lactate
    kind: lab-collected
    codes: ["LACT"]
    window: 2h
    required: true
`
	writeBundleFile(t, dir, "sepsis.yaml", v2)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile v2 failed: %v", err)
	}

	latest, _ := r.Latest("sepsis-adult")
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
	// The version an old episode was opened under stays resolvable.
	v1, ok := r.Get("sepsis-adult", 1)
	if !ok {
		t.Fatal("v1 no longer resolvable after swap")
	}
	if len(v1.Elements) != 3 {
		t.Errorf("v1 definition mutated: %d elements", len(v1.Elements))
	}
}

func TestReloadSameVersionIgnored(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	dir := t.TempDir()
	path := writeBundleFile(t, dir, "sepsis.yaml", sepsisYAML)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := r.LoadFile(path); err != nil {
		t.Errorf("re-loading the same version should be a no-op, got %v", err)
	}
	if len(r.Active()) != 1 {
		t.Errorf("%d active bundles after duplicate load", len(r.Active()))
	}
}
