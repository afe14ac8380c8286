package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formsync/internal/config"
	"formsync/internal/mapping"
	mcpserver "formsync/internal/mcp"
	"formsync/internal/record"
	"formsync/internal/structcache"
	"formsync/internal/supervisor"
)

var (
	// serve flags
	ssePort int

	// scope flags shared by fill and discover
	scopeProgram  string
	scopeLocation string
	scopePeriod   string

	dryRun bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server (stdio, or SSE with --sse-port)",
	RunE:  runServe,
}

var fillCmd = &cobra.Command{
	Use:   "fill <record.json>",
	Short: "Fill one record into the remote form and submit it",
	Long: `Fill one record into the remote form and submit it.

The location, program and period come from the flags, then the record's
metadata block, then the target defaults. With --dry-run the record is only
mapped against the cached field inventory and nothing is submitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runFill,
}

var discoverCmd = &cobra.Command{
	Use:       "discover [fields|locations]",
	Short:     "Rediscover remote structure and refresh the cache",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(structcache.KindFields), string(structcache.KindLocations)},
	RunE:      runDiscover,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or invalidate the structure cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show age and validity of each cache entry",
	Args:  cobra.NoArgs,
	RunE:  runCacheStatus,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:       "invalidate <fields|locations>",
	Short:     "Drop a cache entry so the next run rediscovers it",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(structcache.KindFields), string(structcache.KindLocations)},
	RunE:      runCacheInvalidate,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .formsync/ workspace with a template config",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port instead of stdio")

	for _, cmd := range []*cobra.Command{fillCmd, discoverCmd} {
		cmd.Flags().StringVar(&scopeProgram, "program", "", "Form/program (default: record metadata, then target.default_program)")
		cmd.Flags().StringVar(&scopeLocation, "location", "", "Comma-separated location path, e.g. \"Kenya,Nairobi,Kibera Clinic\"")
		cmd.Flags().StringVar(&scopePeriod, "period", "", "Reporting period (default: record metadata, then target.default_period)")
	}
	fillCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only resolve mappings from the cache; do not open the form")
	cacheCmd.PersistentFlags().StringVar(&scopeProgram, "program", "", "Program whose fields cache to use (default: target.default_program)")

	cacheCmd.AddCommand(cacheStatusCmd, cacheInvalidateCmd)
}

func flagScope() supervisor.Scope {
	return supervisor.Scope{
		Program:      scopeProgram,
		LocationPath: record.ParseLocation(scopeLocation),
		Period:       scopePeriod,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		return err
	}
	defer rt.Close(context.Background())

	server, err := mcpserver.NewServer(cfg, rt.supervisor, rt.engine, rt.store.Audit, logger)
	if err != nil {
		return fmt.Errorf("init MCP server: %w", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("Starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("Starting MCP stdio server")
		startErr = server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		logger.Error("Server exited", zap.Error(startErr))
		return startErr
	}
	return nil
}

func runFill(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rec, err := record.Load(args[0])
	if err != nil {
		return err
	}
	logger.Info("Record loaded", zap.String("path", args[0]), zap.Int("fields", len(rec.Fields)), zap.Strings("skipped", rec.Skipped))

	rt, err := openApp(ctx, cfg, logger, !dryRun)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if dryRun {
		mappings, fresh, err := rt.supervisor.Plan(ctx, rec, flagScope())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"mappings":  mappings,
			"summary":   mapping.Summarize(mappings),
			"freshness": fresh,
		})
	}

	res, runErr := rt.supervisor.Run(ctx, rec, flagScope())
	if res.RunID != "" {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if !res.Outcome.Success {
		return fmt.Errorf("run %s ended %s", res.RunID, res.Outcome.State)
	}
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	kinds := []structcache.Kind{structcache.KindLocations, structcache.KindFields}
	if len(args) == 1 {
		kind, err := structcache.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []structcache.Kind{kind}
	}

	rt, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	report := map[structcache.Kind]interface{}{}
	for _, kind := range kinds {
		entry, fresh, err := rt.supervisor.Discover(ctx, kind, flagScope())
		if err != nil {
			return fmt.Errorf("discover %s: %w", kind, err)
		}
		report[kind] = map[string]interface{}{
			"freshness":   fresh,
			"generatedAt": entry.GeneratedAt,
			"checksum":    entry.Checksum,
		}
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	cache = cache.ForProgram(scopeProgram)
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"program": cache.Program(),
		"entries": cache.Status(),
	})
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	kind, err := structcache.ParseKind(args[0])
	if err != nil {
		return err
	}
	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	cache = cache.ForProgram(scopeProgram)
	if err := cache.Invalidate(kind); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s cache (program %s)\n", kind, cache.Program())
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	root := workspaceDir
	if len(args) == 1 {
		root = args[0]
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = cwd
	}
	if err := config.InitWorkspace(root); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s workspace in %s\n", config.WorkspaceDirName, root)
	return nil
}
