// Package main implements the formsync CLI and MCP server entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formsync/internal/config"
	"formsync/internal/logging"
)

var (
	// Global flags
	configPath   string
	workspaceDir string
	noWorkspace  bool
	verbose      bool
	timeout      time.Duration

	// Set by PersistentPreRunE
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "formsync",
	Short: "Fill health-facility records into a web data-entry system",
	Long: `formsync maps structured health-facility reports onto the fields of a
remote data-entry form, fills them through a browser session and records
the server's verdict.

It runs either as a one-shot CLI (fill, discover, cache) or as an MCP
server (serve) exposing the same operations as tools.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == initCmd {
			logger = zap.NewNop()
			return nil
		}
		loaded, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
			Disable:     noWorkspace,
			ExplicitDir: workspaceDir,
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if cmd == serveCmd && ssePort != 0 {
			cfg.MCP.SSEPort = ssePort
		}

		mode := logging.ModeCLI
		if cmd == serveCmd && cfg.MCP.SSEPort == 0 {
			// stdout and stderr carry the protocol
			mode = logging.ModeStdio
		}
		logger, err = logging.New(cfg.Logging, mode, verbose)
		if err != nil {
			return err
		}
		logger.Debug("Config loaded", zap.String("workspace", wsDir), zap.String("target", cfg.Target.BaseURL))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file overriding the workspace config")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Workspace root (default: search upward for .formsync/)")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Ignore any .formsync/ workspace config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd, fillCmd, discoverCmd, cacheCmd, initCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// commandContext bounds a one-shot command by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
