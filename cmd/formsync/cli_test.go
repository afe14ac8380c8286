package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formsync/internal/config"
	"formsync/internal/structcache"
)

// setupCLI points the global config at a temp workspace.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Target.BaseURL = "https://hmis.example.org"
	cfg.Target.DefaultProgram = "opd"
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Store.Path = filepath.Join(dir, "formsync.db")
	cfg.Server.TraceDir = filepath.Join(dir, "traces")
	cfg.LLM.Enable = false
	t.Cleanup(func() {
		scopeProgram, scopeLocation, scopePeriod = "", "", ""
		dryRun = false
		workspaceDir = ""
	})
	return dir
}

func newTestCommand(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd
}

func seedFields(t *testing.T) {
	t.Helper()
	cache, err := structcache.New(cfg.Cache.Dir, "opd", time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	_, err = cache.Put(structcache.KindFields, structcache.FieldInventory{
		Program: "opd",
		Fields: []structcache.FormFieldDescriptor{
			{FieldKey: "t1:0", TabID: "t1", Label: "OPD New cases||<8 days, Male", ElementSelector: "#f1", ValueKind: structcache.ValueText},
			{FieldKey: "t1:1", TabID: "t1", Label: "OPD New cases||<8 days, Female", ElementSelector: "#f2", ValueKind: structcache.ValueText},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestInitCmd(t *testing.T) {
	ws := setupCLI(t)
	var out bytes.Buffer

	if err := runInit(newTestCommand(&out), []string{ws}); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Fatalf("workspace config not created: %v", err)
	}
	if !strings.Contains(out.String(), ws) {
		t.Errorf("unexpected output %q", out.String())
	}

	if err := runInit(newTestCommand(&out), []string{ws}); err == nil {
		t.Error("second init should refuse to overwrite the workspace")
	}
}

func TestCacheStatusAndInvalidate(t *testing.T) {
	setupCLI(t)
	seedFields(t)

	var out bytes.Buffer
	if err := runCacheStatus(newTestCommand(&out), nil); err != nil {
		t.Fatalf("cache status: %v", err)
	}
	var status struct {
		Program string               `json:"program"`
		Entries []structcache.Status `json:"entries"`
	}
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out.String())
	}
	if status.Program != "opd" || len(status.Entries) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if !status.Entries[0].Valid || status.Entries[1].Present {
		t.Errorf("fields should be valid and locations absent: %+v", status.Entries)
	}

	out.Reset()
	if err := runCacheInvalidate(newTestCommand(&out), []string{"fields"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	cache, _ := openCache(cfg, logger)
	if _, ok := cache.Get(structcache.KindFields); ok {
		t.Error("fields entry should be gone")
	}

	if err := runCacheInvalidate(newTestCommand(&out), []string{"tabs"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestFillDryRunUsesCacheOnly(t *testing.T) {
	dir := setupCLI(t)
	seedFields(t)
	recordPath := filepath.Join(dir, "record.json")
	if err := os.WriteFile(recordPath, []byte(`{
  "metadata": {"location": "Kenya, Nairobi, Kibera", "period": "202603"},
  "outpatients_new_cases_less_than_8_days_male": 3,
  "outpatients_new_cases_less_than_8_days_female": 2,
  "province_name": "Nairobi"
}`), 0o644); err != nil {
		t.Fatal(err)
	}

	dryRun = true
	var out bytes.Buffer
	if err := runFill(newTestCommand(&out), []string{recordPath}); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	var report struct {
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
		Freshness struct {
			Source   string `json:"source"`
			Degraded bool   `json:"degraded"`
		} `json:"freshness"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("dry run output is not JSON: %v\n%s", err, out.String())
	}
	if report.Summary.Total != 2 {
		t.Errorf("expected 2 mapped keys, got %d", report.Summary.Total)
	}
	if report.Freshness.Source != "cached" || report.Freshness.Degraded {
		t.Errorf("unexpected freshness %+v", report.Freshness)
	}
}

func TestFillMissingRecord(t *testing.T) {
	setupCLI(t)
	var out bytes.Buffer
	if err := runFill(newTestCommand(&out), []string{filepath.Join(t.TempDir(), "nope.json")}); err == nil {
		t.Fatal("expected error for missing record file")
	}
}

func TestFlagScope(t *testing.T) {
	setupCLI(t)
	scopeProgram, scopeLocation, scopePeriod = "opd", "Kenya, Nairobi ,Kibera", "202603"
	scope := flagScope()
	if scope.Program != "opd" || scope.Period != "202603" {
		t.Errorf("unexpected scope %+v", scope)
	}
	if len(scope.LocationPath) != 3 || scope.LocationPath[1] != "Nairobi" {
		t.Errorf("unexpected location path %v", scope.LocationPath)
	}
}

func TestRootCommandTree(t *testing.T) {
	want := map[string]bool{"serve": false, "fill": false, "discover": false, "cache": false, "init": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
	if cacheCmd.Commands() == nil || len(cacheCmd.Commands()) != 2 {
		t.Errorf("cache should have status and invalidate subcommands")
	}
}
