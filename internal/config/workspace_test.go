package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDiscoverWorkspace(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, wsConfigMinimal)
	nested := filepath.Join(root, "records", "2026", "march")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	tooDeep := filepath.Join(append([]string{root}, strings.Split(strings.Repeat("x/", MaxSearchDepth+1), "/")...)...)
	if err := os.MkdirAll(tooDeep, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		start string
		want  string
	}{
		{"at root", root, root},
		{"walks up from a record folder", nested, root},
		{"stops after max depth", tooDeep, ""},
		{"no workspace anywhere", t.TempDir(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiscoverWorkspace(tt.start)
			if err != nil {
				t.Fatalf("DiscoverWorkspace: %v", err)
			}
			if got != tt.want {
				t.Errorf("DiscoverWorkspace(%q) = %q, want %q", tt.start, got, tt.want)
			}
		})
	}
}

// wsConfigMinimal carries the one field Validate requires.
const wsConfigMinimal = `
target:
  base_url: "https://hmis.example.org"
`

func writeWorkspace(t *testing.T, root, content string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestLoadWithWorkspace_DefaultsOnly(t *testing.T) {
	tmpDir := t.TempDir()
	explicitPath := filepath.Join(tmpDir, "minimal.yaml")
	if err := os.WriteFile(explicitPath, []byte(wsConfigMinimal), 0644); err != nil {
		t.Fatalf("failed to write minimal config: %v", err)
	}

	cfg, wsDir, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != "" {
		t.Errorf("expected empty workspace dir, got %q", wsDir)
	}
	if cfg.Server.Name != "formsync" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
	if cfg.LLM.Enable {
		t.Error("expected LLM.Enable to be false by default")
	}
}

func TestLoadWithWorkspace_WorkspaceOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
target:
  base_url: "https://hmis.example.org"
  default_program: "opd"
llm:
  enable: true
  model: "gemini-2.5-pro"
`)

	cfg, resultDir, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultDir != tmpDir {
		t.Errorf("expected workspace dir %q, got %q", tmpDir, resultDir)
	}
	if !cfg.LLM.Enable || cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("expected llm override, got %+v", cfg.LLM)
	}
	if cfg.Target.DefaultProgram != "opd" {
		t.Errorf("expected program opd, got %q", cfg.Target.DefaultProgram)
	}
	if cfg.Server.Name != "formsync" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
}

func TestLoadWithWorkspace_ExplicitOverridesWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
target:
  base_url: "https://hmis.example.org"
mapping:
  accept_threshold: 0.7
`)

	explicitPath := filepath.Join(tmpDir, "explicit.yaml")
	if err := os.WriteFile(explicitPath, []byte("mapping:\n  accept_threshold: 0.55\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, _, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mapping.AcceptThreshold != 0.55 {
		t.Errorf("expected explicit threshold to win, got %v", cfg.Mapping.AcceptThreshold)
	}
}

func TestLoadWithWorkspace_PartialYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
target:
  base_url: "https://hmis.example.org"
browser:
  viewport_width: 800
`)

	cfg, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Browser.ViewportWidth != 800 {
		t.Errorf("expected viewport width 800, got %d", cfg.Browser.ViewportWidth)
	}
	if cfg.Browser.ViewportHeight != 1080 {
		t.Errorf("expected default viewport height 1080, got %d", cfg.Browser.ViewportHeight)
	}
	// relative defaults are anchored to the workspace root
	want := filepath.Join(tmpDir, "data", "cache")
	if cfg.Cache.Dir != want {
		t.Errorf("expected cache dir %q, got %q", want, cfg.Cache.Dir)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
target:
  base_url: "https://hmis.example.org"
llm:
  enable: true
`)

	explicitPath := filepath.Join(tmpDir, "minimal.yaml")
	if err := os.WriteFile(explicitPath, []byte(wsConfigMinimal), 0644); err != nil {
		t.Fatalf("failed to write minimal config: %v", err)
	}

	cfg, resultDir, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultDir != "" {
		t.Errorf("expected empty workspace dir with Disable, got %q", resultDir)
	}
	if cfg.LLM.Enable {
		t.Error("expected LLM.Enable to be false when workspace disabled")
	}
}

func TestResolveWorkspacePaths_Relative(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Config{
		Cache:   CacheConfig{Dir: "cache"},
		Store:   StoreConfig{Path: "formsync.db"},
		Logging: LoggingConfig{File: "formsync.log"},
		Mangle:  MangleConfig{SchemaPath: filepath.Join("schemas", "runs.mg")},
	}

	resolved := resolveWorkspacePaths(cfg, tmpDir)

	checks := map[string][2]string{
		"cache":  {resolved.Cache.Dir, filepath.Join(tmpDir, "cache")},
		"store":  {resolved.Store.Path, filepath.Join(tmpDir, "formsync.db")},
		"log":    {resolved.Logging.File, filepath.Join(tmpDir, "formsync.log")},
		"schema": {resolved.Mangle.SchemaPath, filepath.Join(tmpDir, "schemas", "runs.mg")},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s: expected %q, got %q", name, c[1], c[0])
		}
	}
}

func TestResolveWorkspacePaths_AbsoluteUntouched(t *testing.T) {
	wsDir := t.TempDir()

	var absLog, absDB string
	if runtime.GOOS == "windows" {
		absLog = `C:\var\log\formsync.log`
		absDB = `C:\tmp\formsync.db`
	} else {
		absLog = "/var/log/formsync.log"
		absDB = "/tmp/formsync.db"
	}

	cfg := Config{
		Logging: LoggingConfig{File: absLog},
		Store:   StoreConfig{Path: absDB},
	}

	resolved := resolveWorkspacePaths(cfg, wsDir)

	if resolved.Logging.File != absLog {
		t.Errorf("expected absolute log file untouched %q, got %q", absLog, resolved.Logging.File)
	}
	if resolved.Store.Path != absDB {
		t.Errorf("expected absolute store path untouched %q, got %q", absDB, resolved.Store.Path)
	}
}

func TestInitWorkspace_Creates(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %q: %v", d, err)
		}
	}

	// the template must load and validate as-is
	cfg, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("template config failed to load: %v", err)
	}
	if cfg.Target.BaseURL == "" {
		t.Error("expected template base_url")
	}

	data, err := os.ReadFile(filepath.Join(wsDir, ".gitignore"))
	if err != nil {
		t.Fatalf("failed to read .gitignore: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty .gitignore")
	}
}

func TestInitWorkspace_AlreadyExists(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if err := InitWorkspace(tmpDir); err == nil {
		t.Error("expected error when workspace already exists")
	}
}
