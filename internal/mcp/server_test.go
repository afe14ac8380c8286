package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"formsync/internal/config"
	"formsync/internal/fault"
	"formsync/internal/fill"
	"formsync/internal/mangle"
	"formsync/internal/mapping"
	"formsync/internal/record"
	"formsync/internal/store"
	"formsync/internal/structcache"
	"formsync/internal/supervisor"
)

type fakePipeline struct {
	cache *structcache.Cache

	runs    []record.Record
	scopes  []supervisor.Scope
	result  supervisor.Result
	runErr  error
	kinds   []structcache.Kind
	planErr error
}

func (p *fakePipeline) Run(_ context.Context, rec record.Record, scope supervisor.Scope) (supervisor.Result, error) {
	p.runs = append(p.runs, rec)
	p.scopes = append(p.scopes, scope)
	return p.result, p.runErr
}

func (p *fakePipeline) Discover(_ context.Context, kind structcache.Kind, scope supervisor.Scope) (structcache.Entry, supervisor.Freshness, error) {
	p.kinds = append(p.kinds, kind)
	p.scopes = append(p.scopes, scope)
	var payload interface{} = structcache.Hierarchy{Nodes: []structcache.LocationNode{{ID: "ke", DisplayName: "Kenya"}}}
	if kind == structcache.KindFields {
		payload = structcache.FieldInventory{Program: "opd", Fields: []structcache.FormFieldDescriptor{
			{FieldKey: "k1", Label: "New cases male"},
			{FieldKey: "k2", Label: "New cases female"},
		}}
	}
	entry, err := p.cache.ForProgram(scope.Program).Put(kind, payload)
	return entry, supervisor.Freshness{Source: supervisor.SourceRegenerated, Reason: "requested"}, err
}

func (p *fakePipeline) Plan(_ context.Context, rec record.Record, _ supervisor.Scope) ([]mapping.FieldMapping, supervisor.Freshness, error) {
	if p.planErr != nil {
		return nil, supervisor.Freshness{}, p.planErr
	}
	var out []mapping.FieldMapping
	for _, key := range rec.Keys() {
		out = append(out, mapping.FieldMapping{SourceKey: key, Value: rec.Fields[key], Resolved: key != "mystery", Layer: mapping.LayerStructural})
	}
	return out, supervisor.Freshness{Source: supervisor.SourceCached}, nil
}

func (p *fakePipeline) Cache(program string) *structcache.Cache {
	if program == "" {
		program = "opd"
	}
	return p.cache.ForProgram(program)
}

type fakeHistory struct {
	limits []int
	runs   []store.Run
}

func (h *fakeHistory) RecentRuns(_ context.Context, limit int) ([]store.Run, error) {
	h.limits = append(h.limits, limit)
	return h.runs, nil
}

func setupTestServerConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Name:    "formsync-test",
			Version: "1.0.0",
		},
		Target: config.TargetConfig{BaseURL: "https://dhis.example.org", DefaultProgram: "opd"},
		Mangle: config.MangleConfig{
			Enable:          true,
			FactBufferLimit: 1000,
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *fakePipeline, *fakeHistory, *mangle.Engine) {
	t.Helper()
	cfg := setupTestServerConfig()
	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	cache, err := structcache.New(t.TempDir(), "opd", time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	pipeline := &fakePipeline{cache: cache}
	history := &fakeHistory{}
	server, err := NewServer(cfg, pipeline, engine, history, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, pipeline, history, engine
}

// roundTrip converts a tool result into its JSON wire form.
func roundTrip(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestNewServer(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	want := []string{
		"fill-record", "discover-structure", "cache-status", "invalidate-cache",
		"resolve-mapping", "query-facts", "recent-runs",
	}
	if len(server.tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(server.tools))
	}
	for _, name := range want {
		if _, ok := server.tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}

	if _, err := NewServer(setupTestServerConfig(), nil, nil, nil, nil); err == nil {
		t.Error("expected error without pipeline")
	}
}

func TestToolInterface(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	for name, tool := range server.tools {
		t.Run(name, func(t *testing.T) {
			if tool.Name() != name {
				t.Errorf("name mismatch: %s vs %s", tool.Name(), name)
			}
			if tool.Description() == "" {
				t.Error("empty description")
			}
			schema := tool.InputSchema()
			if schema["type"] != "object" {
				t.Errorf("schema type = %v", schema["type"])
			}
			if _, err := json.Marshal(schema); err != nil {
				t.Errorf("schema does not marshal: %v", err)
			}
		})
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	server, _, _, _ := setupTestServer(t)
	if _, err := server.ExecuteTool(context.Background(), "launch-browser", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestFillRecordTool(t *testing.T) {
	server, pipeline, _, _ := setupTestServer(t)
	ctx := context.Background()
	pipeline.result = supervisor.Result{
		RunID:   "run-1",
		Program: "opd",
		Outcome: fill.SubmissionOutcome{Success: true, StatusCode: 200, State: fill.StateSucceeded, FieldsFilled: 2, TotalFields: 2},
	}

	result, err := server.ExecuteTool(ctx, "fill-record", map[string]interface{}{
		"record": map[string]interface{}{
			"metadata":      map[string]interface{}{"program": "opd"},
			"opd_new_male":  3,
			"province_name": "Nairobi",
		},
		"location": "Kenya, Nairobi, Kibera",
		"period":   "202603",
	})
	if err != nil {
		t.Fatalf("fill-record failed: %v", err)
	}
	if len(pipeline.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(pipeline.runs))
	}
	if got := pipeline.runs[0].Fields["opd_new_male"]; got != "3" {
		t.Errorf("record field = %q", got)
	}
	scope := pipeline.scopes[0]
	if len(scope.LocationPath) != 3 || scope.LocationPath[2] != "Kibera" || scope.Period != "202603" {
		t.Errorf("unexpected scope %+v", scope)
	}

	out := roundTrip(t, result)
	if out["runId"] != "run-1" {
		t.Errorf("runId = %v", out["runId"])
	}
	outcome := out["outcome"].(map[string]interface{})
	if outcome["state"] != string(fill.StateSucceeded) {
		t.Errorf("state = %v", outcome["state"])
	}
}

func TestFillRecordToolFailedRunIsNotToolError(t *testing.T) {
	server, pipeline, _, _ := setupTestServer(t)
	ctx := context.Background()
	runErr := fault.Newf(fault.TagLocationNotFound, "select location", "no node for %q", "Atlantis")
	pipeline.runErr = runErr
	pipeline.result = supervisor.Result{
		RunID:   "run-2",
		Outcome: fill.SubmissionOutcome{State: fill.StateFailed, ErrorTag: fault.TagLocationNotFound, Error: runErr.Error()},
	}

	result, err := server.ExecuteTool(ctx, "fill-record", map[string]interface{}{
		"record": `{"opd_new_male": 1}`,
	})
	if err != nil {
		t.Fatalf("expected outcome, got error: %v", err)
	}
	outcome := roundTrip(t, result)["outcome"].(map[string]interface{})
	if outcome["errorTag"] != string(fault.TagLocationNotFound) {
		t.Errorf("errorTag = %v", outcome["errorTag"])
	}

	// A run that never started surfaces as a tool error.
	pipeline.result = supervisor.Result{}
	if _, err := server.ExecuteTool(ctx, "fill-record", map[string]interface{}{"record": `{"x": 1}`}); !errors.Is(err, fault.LocationNotFound) {
		t.Errorf("expected location fault, got %v", err)
	}

	if _, err := server.ExecuteTool(ctx, "fill-record", map[string]interface{}{}); err == nil {
		t.Error("expected error without record")
	}
}

func TestResolveMappingTool(t *testing.T) {
	server, pipeline, _, _ := setupTestServer(t)
	ctx := context.Background()

	result, err := server.ExecuteTool(ctx, "resolve-mapping", map[string]interface{}{
		"record": map[string]interface{}{"opd_new_male": 3, "mystery": 9},
	})
	if err != nil {
		t.Fatalf("resolve-mapping failed: %v", err)
	}
	out := roundTrip(t, result)
	summary := out["summary"].(map[string]interface{})
	if summary["total"].(float64) != 2 || summary["unresolved"].(float64) != 1 {
		t.Errorf("unexpected summary %v", summary)
	}
	unresolved := out["unresolved"].([]interface{})
	if len(unresolved) != 1 || unresolved[0] != "mystery" {
		t.Errorf("unresolved = %v", unresolved)
	}

	pipeline.planErr = fault.Newf(fault.TagDiscoveryUnavailable, "plan", "no field inventory cached")
	if _, err := server.ExecuteTool(ctx, "resolve-mapping", map[string]interface{}{"record": `{"a": 1}`}); !errors.Is(err, fault.DiscoveryUnavailable) {
		t.Errorf("expected discovery fault, got %v", err)
	}
}

func TestDiscoverAndCacheTools(t *testing.T) {
	server, pipeline, _, _ := setupTestServer(t)
	ctx := context.Background()

	result, err := server.ExecuteTool(ctx, "discover-structure", map[string]interface{}{
		"kind":     "fields",
		"program":  "opd",
		"location": []interface{}{"Kenya", "Nairobi"},
	})
	if err != nil {
		t.Fatalf("discover-structure failed: %v", err)
	}
	out := roundTrip(t, result)
	if out["count"].(float64) != 2 || out["kind"] != "fields" || out["program"] != "opd" {
		t.Errorf("unexpected discover payload %v", out)
	}
	if out["checksum"] == "" {
		t.Error("expected checksum")
	}
	if got := pipeline.scopes[0].LocationPath; len(got) != 2 {
		t.Errorf("location path = %v", got)
	}

	if _, err := server.ExecuteTool(ctx, "discover-structure", map[string]interface{}{"kind": "tabs"}); err == nil {
		t.Error("expected error for unknown kind")
	}

	status, err := server.ExecuteTool(ctx, "cache-status", map[string]interface{}{"program": "opd"})
	if err != nil {
		t.Fatalf("cache-status failed: %v", err)
	}
	entries := roundTrip(t, status)["entries"].([]interface{})
	valid := map[string]bool{}
	for _, e := range entries {
		m := e.(map[string]interface{})
		valid[m["kind"].(string)] = m["valid"].(bool)
	}
	if !valid["fields"] {
		t.Errorf("fields cache should be valid after discovery: %v", entries)
	}

	if _, err := server.ExecuteTool(ctx, "invalidate-cache", map[string]interface{}{"kind": "fields", "program": "opd"}); err != nil {
		t.Fatalf("invalidate-cache failed: %v", err)
	}
	if _, ok := pipeline.cache.ForProgram("opd").Get(structcache.KindFields); ok {
		t.Error("fields entry should be gone after invalidation")
	}
	if _, ok := pipeline.cache.ForProgram("opd").Snapshot(structcache.KindFields); !ok {
		t.Error("snapshot should survive invalidation")
	}
}

func TestQueryFactsTool(t *testing.T) {
	server, _, _, engine := setupTestServer(t)
	ctx := context.Background()
	if err := engine.AddFacts(ctx, []mangle.Fact{
		{Predicate: "run", Args: []interface{}{"run-1", "opd", "Kenya/Nairobi"}},
		{Predicate: "submit_status", Args: []interface{}{"run-1", 409, "conflict"}},
	}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	result, err := server.ExecuteTool(ctx, "query-facts", map[string]interface{}{"predicate": "needs_review"})
	if err != nil {
		t.Fatalf("query-facts failed: %v", err)
	}
	if roundTrip(t, result)["count"].(float64) != 1 {
		t.Errorf("expected one run needing review: %v", result)
	}

	result, err = server.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": "submit_status(R, Status, _)"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows := result.(map[string]interface{})["results"].([]mangle.QueryResult)
	if len(rows) != 1 || rows[0]["R"] != "run-1" {
		t.Errorf("unexpected rows %v", rows)
	}

	if _, err := server.ExecuteTool(ctx, "query-facts", map[string]interface{}{}); err == nil {
		t.Error("expected error without query or predicate")
	}

	noEngine := &QueryFactsTool{}
	if _, err := noEngine.Execute(ctx, map[string]interface{}{"predicate": "run"}); err == nil {
		t.Error("expected error without engine")
	}
}

func TestRecentRunsTool(t *testing.T) {
	server, _, history, _ := setupTestServer(t)
	history.runs = []store.Run{{ID: "run-2", State: "conflict", Status: 409}, {ID: "run-1", State: "succeeded", Status: 200}}

	result, err := server.ExecuteTool(context.Background(), "recent-runs", map[string]interface{}{"limit": float64(5)})
	if err != nil {
		t.Fatalf("recent-runs failed: %v", err)
	}
	if history.limits[0] != 5 {
		t.Errorf("limit = %d", history.limits[0])
	}
	if result.(map[string]interface{})["count"] != 2 {
		t.Errorf("unexpected result %v", result)
	}

	if _, err := (&RecentRunsTool{}).Execute(context.Background(), nil); err == nil {
		t.Error("expected error without history")
	}
}

func readResource(t *testing.T, handler func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error), uri string, args map[string]any) map[string]interface{} {
	t.Helper()
	var req mcp.ReadResourceRequest
	req.Params.URI = uri
	req.Params.Arguments = args
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("resource %s: %v", uri, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &payload); err != nil {
		t.Fatalf("resource payload: %v", err)
	}
	return payload
}

func TestRunResource(t *testing.T) {
	server, _, _, engine := setupTestServer(t)
	ctx := context.Background()
	if err := engine.AddFacts(ctx, []mangle.Fact{
		{Predicate: "run", Args: []interface{}{"run-1", "opd", "Kenya/Nairobi"}},
		{Predicate: "field_unresolved", Args: []interface{}{"run-1", "mystery"}},
		{Predicate: "submit_status", Args: []interface{}{"run-1", 409, "conflict"}},
		{Predicate: "run", Args: []interface{}{"run-2", "opd", "Kenya/Nairobi"}},
	}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	payload := readResource(t, server.handleRunResource, "formsync://run/run-1", map[string]any{"runId": []string{"run-1"}})
	if payload["count"].(float64) != 3 {
		t.Errorf("expected 3 facts for run-1, got %v", payload["count"])
	}
	facts := payload["facts"].(map[string]interface{})
	unresolved := facts["field_unresolved"].([]interface{})
	if len(unresolved) != 1 || unresolved[0].([]interface{})[0] != "mystery" {
		t.Errorf("run id should be stripped from args: %v", unresolved)
	}
	flags := payload["flags"].(map[string]interface{})
	if flags["run_conflict"] == nil || flags["needs_review"] == nil {
		t.Errorf("conflict run should be flagged for review: %v", flags)
	}

	var req mcp.ReadResourceRequest
	req.Params.Arguments = map[string]any{"runId": "run-9"}
	if _, err := server.handleRunResource(ctx, req); err == nil {
		t.Error("expected error for a run without facts")
	}
	req.Params.Arguments = map[string]any{}
	if _, err := server.handleRunResource(ctx, req); err == nil {
		t.Error("expected error without runId")
	}
}

func TestCacheResource(t *testing.T) {
	server, _, _, _ := setupTestServer(t)
	payload := readResource(t, server.handleCacheResource, "formsync://cache/opd", map[string]any{"program": "opd"})
	if payload["program"] != "opd" {
		t.Errorf("unexpected program %v", payload["program"])
	}
	if entries := payload["entries"].([]interface{}); len(entries) != 2 {
		t.Errorf("expected fields and locations entries, got %d", len(entries))
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("bad-tool", map[string]interface{}{"value": math.Inf(1)})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("expected success=false, got %v", decoded["success"])
	}
}
