// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026 11:41:29 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/app"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func main() {
	// Subcommand dispatch. A leading flag (or nothing) means serve.
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "scan":
		runScan(args)
	case "version":
		common.ApplyVersionOverride()
		fmt.Printf("Sitesync %s\n", common.GetFullVersion())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\nUsage:\n  sitesync [serve] [flags]   start the sync server (default)\n  sitesync scan [flags]      queue a scan for one project and exit\n  sitesync version           print version information\n", cmd)
		os.Exit(2)
	}
}

// runServe starts the full application: workers, scheduler, and HTTP server.
func runServe(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	serverPort := flags.Int("port", 0, "Server port (overrides config)")
	serverPortP := flags.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost := flags.String("host", "", "Server host (overrides config)")
	showVersion := flags.Bool("version", false, "Print version information")
	showVersionV := flags.Bool("v", false, "Print version information (shorthand)")
	flags.Parse(args)

	if *showVersion || *showVersionV {
		common.ApplyVersionOverride()
		fmt.Printf("Sitesync %s\n", common.GetFullVersion())
		return
	}

	// Merge port flags (shorthand takes precedence)
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	config, logger := loadConfig(configFiles, finalPort, *serverHost)

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("environment", config.Environment).
		Msg("Application configuration loaded")

	// Initialize application
	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close()

	// Start worker pools and the scheduler before accepting requests
	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
		os.Exit(1)
	}

	// Create HTTP server
	srv := server.New(application)

	// Start server in goroutine
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()

		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Give goroutine a moment to start
	time.Sleep(100 * time.Millisecond)

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	// Graceful shutdown
	logger.Info().Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
}

// runScan queues a scan job for one project and exits. The queue delivery is
// durable, so a running server instance (or the next serve start) picks it up.
func runScan(args []string) {
	flags := flag.NewFlagSet("scan", flag.ExitOnError)
	var configFiles configPaths
	flags.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flags.Var(&configFiles, "c", "Configuration file path (shorthand)")
	projectRef := flags.String("project", "", "Project ID or domain (required)")
	org := flags.String("org", "default", "Organization the domain belongs to")
	full := flags.Bool("full", false, "Run a full rescan instead of an incremental sync")
	flags.Parse(args)

	if strings.TrimSpace(*projectRef) == "" {
		fmt.Fprintln(os.Stderr, "scan requires --project <id|domain>")
		flags.Usage()
		os.Exit(2)
	}

	config, logger := loadConfig(configFiles, 0, "")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Accept either a project ID or a domain within the organization
	project, err := application.StorageManager.ProjectStorage().GetProject(ctx, *projectRef)
	if errors.Is(err, models.ErrNotFound) {
		project, err = application.StorageManager.ProjectStorage().GetProjectByDomain(ctx, *org, *projectRef)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("project", *projectRef).Msg("Project not found")
		os.Exit(1)
	}

	jobType := models.JobTypeIncrementalSync
	if *full {
		jobType = models.JobTypeFullScan
	}

	job, err := application.Dispatcher.Scan(ctx, project, jobType)
	if err != nil {
		logger.Fatal().Err(err).Str("project_id", project.ID).Msg("Failed to queue scan")
		os.Exit(1)
	}

	logger.Info().
		Str("job_id", job.ID).
		Str("project_id", project.ID).
		Str("domain", project.Domain).
		Str("type", string(jobType)).
		Msg("Scan queued")
}

// loadConfig runs the startup sequence shared by serve and scan:
// defaults -> config files -> env -> CLI flags, then validation and logger.
func loadConfig(configFiles configPaths, port int, host string) (*common.Config, arbor.ILogger) {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		// Check current directory first
		if _, err := os.Stat("sitesync.toml"); err == nil {
			configFiles = append(configFiles, "sitesync.toml")
		} else if _, err := os.Stat("deployments/local/sitesync.toml"); err == nil {
			// Fallback: check deployments/local for users running from project root
			configFiles = append(configFiles, "deployments/local/sitesync.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		// Use temporary logger for startup errors
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	// Command-line flag overrides (highest priority)
	common.ApplyFlagOverrides(config, port, host)
	common.ApplyVersionOverride()

	if err := config.Validate(); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	// The credential vault refuses to start without a strong passphrase
	if err := config.RequireMasterKey(); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Missing or weak ENCRYPTION_KEY")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	return config, logger
}
