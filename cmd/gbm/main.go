package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bulk"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/config"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gateway"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/migrate"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gbm",
	Short: "GitLab Bulk Manager - bulk operations and SVN migration for GitLab",
	Long: `GitLab Bulk Manager is a single-binary backend that drives bulk
group/project operations, settings propagation, member management and
SVN-to-GitLab repository migrations against any GitLab instance,
streaming per-item progress to browsers over websockets.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gbm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gbm version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// statsSource joins the job registry and the session store into the one
// poll target the metrics collector wants.
type statsSource struct {
	*registry.Registry
	*session.Store
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bulk manager server",
	Long: `Start the HTTP gateway, the job engines and the websocket feed.

Configuration layers in order: built-in defaults, then the YAML file
given with --config, then GBM_* environment variables, then flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")

		cfg, err := config.Load(context.Background(), cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		if listen != "" {
			cfg.Listen = listen
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		fmt.Println("Starting GitLab Bulk Manager...")
		fmt.Printf("  Listen Address: %s\n", cfg.Listen)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Workspace Root: %s\n", cfg.WorkspaceRoot())
		fmt.Println()

		// Shared upstream plumbing: one token bucket per GitLab host, one
		// raw client every proxied byte flows through.
		limiter := ratelimit.New(cfg.Upstream.BucketCapacity, cfg.Upstream.RefillPerSec)
		raw := gitlab.NewClient(gitlab.Options{
			Limiter:        limiter,
			MaxRetries:     cfg.Upstream.MaxRetries,
			BackoffInitial: cfg.Upstream.BackoffInitial,
			BackoffCap:     cfg.Upstream.BackoffCap,
			CallTimeout:    cfg.Upstream.CallTimeout,
			ArchiveTimeout: cfg.Upstream.ArchiveTimeout,
		})

		validator := gitlab.NewValidator(limiter, cfg.Upstream.CallTimeout)
		sessions, err := session.NewStore(validator, cfg.Sessions.IdleTTL, cfg.Sessions.SweepInterval)
		if err != nil {
			return fmt.Errorf("failed to create session store: %v", err)
		}
		fmt.Println("✓ Session store ready")

		index, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open migration index: %v", err)
		}
		fmt.Println("✓ Migration index opened")

		b := bus.New(cfg.Bus.RingSize, cfg.Bus.SubscriberQueue, cfg.Bus.TopicGrace)
		metrics.RegisterComponent("bus", true, "")
		reg := registry.New(b, cfg.Jobs.ResultRing, cfg.Jobs.RetainFor, cfg.Jobs.RetainFor/4)
		metrics.RegisterComponent("registry", true, "")

		bulkEng := bulk.NewEngine(sessions, limiter, bulk.Options{
			Workers:     cfg.Bulk.Workers,
			APIDelay:    cfg.Bulk.APIDelay,
			Deadline:    cfg.Bulk.Deadline,
			CallTimeout: cfg.Upstream.CallTimeout,
		})
		for _, kind := range []types.JobKind{
			types.JobBulkImport, types.JobBulkSettings, types.JobBulkDelete, types.JobBulkMembers,
		} {
			reg.RegisterRunner(kind, bulkEng)
		}

		migEng := migrate.NewEngine(sessions, limiter, index, reg, migrate.Options{
			Workers:           cfg.Migration.Workers,
			Deadline:          cfg.Migration.Deadline,
			TempRoot:          cfg.WorkspaceRoot(),
			CallTimeout:       cfg.Upstream.CallTimeout,
			MaxWorkspaceBytes: cfg.Migration.MaxWorkspaceBytes,
		})
		for _, kind := range []types.JobKind{
			types.JobSvnMigration, types.JobSvnSync, types.JobSvnBulk,
		} {
			reg.RegisterRunner(kind, migEng)
		}
		fmt.Println("✓ Job engines registered")

		collector := metrics.NewCollector(statsSource{reg, sessions})
		collector.Start()

		// Start gateway in background
		gw := gateway.New(cfg, sessions, reg, b, raw, migEng)
		errCh := make(chan error, 1)
		go func() {
			if err := gw.Start(); err != nil {
				errCh <- fmt.Errorf("gateway error: %v", err)
			}
		}()
		metrics.RegisterComponent("gateway", true, "")
		fmt.Printf("✓ Gateway listening on %s\n", cfg.Listen)

		fmt.Println()
		fmt.Println("Server is running. Press Ctrl+C to stop.")

		// Wait for interrupt signal or gateway error
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Shutdown: stop accepting work, drain running jobs, then release
		// everything the engines lean on. Flipping the gateway unhealthy
		// first lets a fronting balancer stop routing before the drain.
		metrics.UpdateComponent("gateway", false, "draining")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Errorf("Gateway shutdown incomplete", err)
		}
		if err := reg.Shutdown(ctx); err != nil {
			log.Errorf("Jobs still running at shutdown deadline", err)
		}
		collector.Stop()
		b.Close()
		sessions.Close()
		limiter.Close()
		if err := index.Close(); err != nil {
			log.Errorf("Failed to close migration index", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides configuration)")
}
