package mcp

import (
	"context"
	"fmt"
	"strings"

	"formsync/internal/mangle"
	"formsync/internal/mapping"
	"formsync/internal/structcache"
)

type FillRecordTool struct {
	pipeline Pipeline
}

func (t *FillRecordTool) Name() string { return "fill-record" }
func (t *FillRecordTool) Description() string {
	return `Fill one health-facility record into the target data-entry form and submit it.

The run logs in if needed, selects the location and period, refreshes the
cached form structure when stale, maps every record key to a form field and
waits for the server's answer.

WHEN TO USE:
- A monthly report is ready and should be entered for one facility

Returns: {runId, program, location, outcome, mappings, freshness, tracePath}.
outcome.state is succeeded, conflict or failed. A failed run carries
outcome.errorTag and outcome.error instead of a tool error.`
}
func (t *FillRecordTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": withProperties(recordProperties, scopeProperties),
	}
}
func (t *FillRecordTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rec, err := recordArg(args)
	if err != nil {
		return nil, err
	}
	res, runErr := t.pipeline.Run(ctx, rec, scopeArgs(args))
	if runErr != nil && res.RunID == "" {
		return nil, runErr
	}
	return res, nil
}

type ResolveMappingTool struct {
	pipeline Pipeline
}

func (t *ResolveMappingTool) Name() string { return "resolve-mapping" }
func (t *ResolveMappingTool) Description() string {
	return `Preview how a record would be mapped onto the cached form fields.

Does not open the browser. Uses the cached field inventory, or its last
snapshot when the cache is missing (reported as degraded).

WHEN TO USE:
- Before fill-record, to review unresolved or low-confidence keys

Returns: {mappings, summary: {total, resolved, unresolved, byLayer}, freshness}.`
}
func (t *ResolveMappingTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": withProperties(recordProperties, scopeProperties),
	}
}
func (t *ResolveMappingTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rec, err := recordArg(args)
	if err != nil {
		return nil, err
	}
	mappings, fresh, err := t.pipeline.Plan(ctx, rec, scopeArgs(args))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"mappings":   mappings,
		"summary":    mapping.Summarize(mappings),
		"unresolved": mapping.Unresolved(mappings),
		"freshness":  fresh,
	}, nil
}

type DiscoverStructureTool struct {
	pipeline Pipeline
}

func (t *DiscoverStructureTool) Name() string { return "discover-structure" }
func (t *DiscoverStructureTool) Description() string {
	return `Re-read form fields or the location hierarchy from the live system and refresh the cache.

kind=locations walks the organisation tree. kind=fields opens the form for
program at location and period, then reads every tab.

WHEN TO USE:
- After the form was changed on the server
- To warm the cache before a batch of fills

Returns: {kind, program, freshness, generatedAt, checksum, count}.`
}
func (t *DiscoverStructureTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withProperties(scopeProperties, map[string]interface{}{
			"kind": map[string]interface{}{
				"type":        "string",
				"enum":        []string{string(structcache.KindFields), string(structcache.KindLocations)},
				"description": "Which structure to rediscover",
			},
		}),
		"required": []string{"kind"},
	}
}
func (t *DiscoverStructureTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	kind, err := structcache.ParseKind(getStringArg(args, "kind"))
	if err != nil {
		return nil, err
	}
	scope := scopeArgs(args)
	entry, fresh, err := t.pipeline.Discover(ctx, kind, scope)
	if err != nil {
		return nil, err
	}

	count := 0
	switch kind {
	case structcache.KindFields:
		inv, err := entry.Fields()
		if err != nil {
			return nil, err
		}
		count = len(inv.Fields)
	case structcache.KindLocations:
		h, err := entry.Locations()
		if err != nil {
			return nil, err
		}
		count = len(h.Nodes)
	}
	return map[string]interface{}{
		"kind":        kind,
		"program":     t.pipeline.Cache(scope.Program).Program(),
		"freshness":   fresh,
		"generatedAt": entry.GeneratedAt,
		"checksum":    entry.Checksum,
		"count":       count,
	}, nil
}

type CacheStatusTool struct {
	pipeline Pipeline
}

func (t *CacheStatusTool) Name() string { return "cache-status" }
func (t *CacheStatusTool) Description() string {
	return `Report age, validity and snapshot availability of each structure cache.

Returns: {program, entries: [{kind, file, present, valid, generatedAt, age, ttl, hasSnapshot}]}.`
}
func (t *CacheStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"program": scopeProperties["program"],
		},
	}
}
func (t *CacheStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	cache := t.pipeline.Cache(getStringArg(args, "program"))
	return map[string]interface{}{
		"program": cache.Program(),
		"entries": cache.Status(),
	}, nil
}

type InvalidateCacheTool struct {
	pipeline Pipeline
}

func (t *InvalidateCacheTool) Name() string { return "invalidate-cache" }
func (t *InvalidateCacheTool) Description() string {
	return `Drop a cached structure so the next run rediscovers it.

The last snapshot is kept as a fallback for when discovery fails.

Returns: {kind, program, invalidated: true}.`
}
func (t *InvalidateCacheTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{string(structcache.KindFields), string(structcache.KindLocations)},
			},
			"program": scopeProperties["program"],
		},
		"required": []string{"kind"},
	}
}
func (t *InvalidateCacheTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	kind, err := structcache.ParseKind(getStringArg(args, "kind"))
	if err != nil {
		return nil, err
	}
	cache := t.pipeline.Cache(getStringArg(args, "program"))
	if err := cache.Invalidate(kind); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"kind":        kind,
		"program":     cache.Program(),
		"invalidated": true,
	}, nil
}

type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query run facts with a Mangle atom, or list a derived predicate.

Base facts: run, field_mapped, field_unresolved, field_unfilled,
cache_regenerated, run_degraded, submit_status.
Derived: needs_review, structural_drift, run_conflict, llm_mapped.

EXAMPLES:
- {"predicate": "needs_review"}
- {"query": "submit_status(R, 409, State)"}

Returns: {results} for a query, {facts} for a predicate.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom with variables, e.g. field_unresolved(R, Key)",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate whose facts to list (base or derived)",
			},
		},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil
	}
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	if predicate == "" {
		return nil, fmt.Errorf("query or predicate is required")
	}
	facts, err := t.engine.Derived(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "facts": facts, "count": len(facts)}, nil
}

type RecentRunsTool struct {
	history RunHistory
}

func (t *RecentRunsTool) Name() string { return "recent-runs" }
func (t *RecentRunsTool) Description() string {
	return `List the most recent fill runs from the audit log, newest first.

Returns: {runs: [{id, program, location, status, state, success, errorTag, fieldsFilled, ...}]}.`
}
func (t *RecentRunsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum runs to return (default 20)",
			},
		},
	}
}
func (t *RecentRunsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.history == nil {
		return nil, fmt.Errorf("run audit unavailable")
	}
	runs, err := t.history.RecentRuns(ctx, getIntArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"runs": runs, "count": len(runs)}, nil
}
