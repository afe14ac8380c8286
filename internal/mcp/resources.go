package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"formsync/internal/mangle"
)

const resourceMIMEJSON = "application/json"

// runFlags are the derived predicates whose first argument is a run id.
var runFlags = []string{"needs_review", "structural_drift", "run_conflict", "llm_mapped"}

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"formsync://run/{runId}",
			"Run Report",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Facts of one fill run grouped by predicate, plus its review flags."),
		),
		s.handleRunResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"formsync://cache/{program}",
			"Structure Cache",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Age and validity of the field and location caches for a program."),
		),
		s.handleCacheResource,
	)
}

// runReport is what a client reads back about one run.
type runReport struct {
	RunID string                     `json:"runId"`
	Facts map[string][][]interface{} `json:"facts"`
	Flags map[string]int             `json:"flags"`
	Count int                        `json:"count"`
}

func (s *Server) handleRunResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	runID := argString(request.Params.Arguments["runId"])
	if runID == "" {
		return nil, fmt.Errorf("missing runId")
	}
	report, err := buildRunReport(ctx, s.engine, runID)
	if err != nil {
		return nil, err
	}
	return jsonResource(request.Params.URI, report)
}

func (s *Server) handleCacheResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	cache := s.pipeline.Cache(argString(request.Params.Arguments["program"]))
	return jsonResource(request.Params.URI, map[string]interface{}{
		"program": cache.Program(),
		"entries": cache.Status(),
	})
}

// buildRunReport collects the base facts of runID, without the run id
// argument, and counts each review flag raised for it.
func buildRunReport(ctx context.Context, engine *mangle.Engine, runID string) (runReport, error) {
	report := runReport{RunID: runID, Facts: map[string][][]interface{}{}, Flags: map[string]int{}}
	for _, f := range engine.Facts() {
		if !ownedBy(f, runID) {
			continue
		}
		report.Facts[f.Predicate] = append(report.Facts[f.Predicate], f.Args[1:])
		report.Count++
	}
	if report.Count == 0 {
		return report, fmt.Errorf("no facts recorded for run %s", runID)
	}

	for _, flag := range runFlags {
		derived, err := engine.Derived(ctx, flag)
		if err != nil {
			return report, fmt.Errorf("derive %s: %w", flag, err)
		}
		for _, f := range derived {
			if ownedBy(f, runID) {
				report.Flags[flag]++
			}
		}
	}
	return report, nil
}

func ownedBy(f mangle.Fact, runID string) bool {
	return len(f.Args) > 0 && fmt.Sprint(f.Args[0]) == runID
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: resourceMIMEJSON, Text: string(text)},
	}, nil
}
