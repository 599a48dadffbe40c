package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuihuir/tope-updater/pkg/config"
	"github.com/cuihuir/tope-updater/pkg/download"
	"github.com/cuihuir/tope-updater/pkg/ingress"
	"github.com/cuihuir/tope-updater/pkg/install"
	"github.com/cuihuir/tope-updater/pkg/lifecycle"
	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/reporter"
	"github.com/cuihuir/tope-updater/pkg/service"
	"github.com/cuihuir/tope-updater/pkg/state"
	"github.com/cuihuir/tope-updater/pkg/versionstore"
)

var configPath string

const version = "0.1.0"

const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "tope-updaterd",
	Short: "On-device OTA update agent",
	Long: `tope-updaterd is the on-device update engine for tope appliances.
It fetches packages from an orchestrator, verifies and installs them into
versioned snapshots, and rolls back to a known-good version on failure.`,
	// Running with no subcommand behaves like "serve".
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update engine and its HTTP ingress (default command)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := logger.Init(cfg.LogsDir()); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log := logger.For("main")

	if cfg.ServiceManager != "systemctl" {
		return fmt.Errorf("unsupported service_manager %q: only systemctl is implemented", cfg.ServiceManager)
	}

	sm := state.New(cfg.StateFile())
	rep := reporter.New(cfg.OrchestratorURL)
	store := versionstore.New(cfg.VersionsDir())
	svc := service.NewController(nil)
	dl := download.New(cfg.TmpDir(), sm, rep)
	in := install.New(cfg.InstallRoot, store, svc, sm, rep)
	engine := lifecycle.New(sm, dl, in)

	if !store.VerifyFactoryVersion() {
		log.Warn("factory version missing or unreadable; level-2 rollback will be unavailable")
	}

	packagePathFor := func(name string) string { return filepath.Join(cfg.TmpDir(), name) }
	outcome := engine.Reconcile(packagePathFor)
	log.WithField("outcome", outcome).Info("startup reconciliation complete")

	srv := ingress.NewServer(engine, sm, store, packagePathFor)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("update engine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
