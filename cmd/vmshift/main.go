package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vmshift/internal/config"
	"vmshift/internal/errkind"
	"vmshift/internal/logger"
	"vmshift/internal/pipeline"
)

// Exit codes: 0 success, 1 resumable failure (re-run continues from the
// checkpoint), 2 configuration error (re-running without changes cannot
// succeed).
const (
	exitOK        = 0
	exitResumable = 1
	exitConfigErr = 2
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vmshift",
	Short: "Migrate VMware virtual disks to KVM-ready images",
	Long: `A resumable disk migration pipeline: fetches VMware disk chains over the
best available transport, flattens snapshots, fixes the guest offline and
converts to a KVM-ready image, checkpointing after every stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

func init() {
	// Flag parse failures are configuration errors: re-running the same
	// command line cannot succeed.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%v: %w", err, errkind.ErrInvalidJob)
	})

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default none)")

	// Source flags
	rootCmd.Flags().String("source-kind", "", "source kind (local/ssh/vsphere)")
	rootCmd.Flags().String("source-path", "", "descriptor path (local/ssh) or datastore path (vsphere)")
	rootCmd.Flags().String("host", "", "SSH host")
	rootCmd.Flags().Int("port", 22, "SSH port")
	rootCmd.Flags().String("user", "", "SSH user")
	rootCmd.Flags().String("identity", "", "SSH private key file")
	rootCmd.Flags().String("vcenter", "", "vCenter or ESXi URL")
	rootCmd.Flags().String("vc-user", "", "vSphere username")
	rootCmd.Flags().String("vc-password", "", "vSphere password")
	rootCmd.Flags().String("datacenter", "", "datacenter name (default: the only one)")
	rootCmd.Flags().Bool("insecure", false, "skip TLS verification for vSphere")
	rootCmd.Flags().String("vm-name", "", "source virtual machine name")
	rootCmd.Flags().String("thumbprint", "", "vCenter SHA1 certificate thumbprint")
	rootCmd.Flags().String("vddk-libdir", "", "VDDK installation directory")

	// Target flags
	rootCmd.Flags().String("output", "", "target image path (required)")
	rootCmd.Flags().String("format", "qcow2", "target format (qcow2/raw)")
	rootCmd.Flags().String("fidelity", "converted", "transfer fidelity (converted/exact/raw)")
	rootCmd.Flags().Bool("compress", false, "compress the target image")
	rootCmd.Flags().Bool("checksum", false, "write a .sha256 sidecar for the target")
	rootCmd.Flags().Bool("flatten", false, "force flattening even for single-disk chains")

	// Pipeline flags
	rootCmd.Flags().String("workdir", "./work", "scratch directory for intermediate artifacts")
	rootCmd.Flags().String("checkpoint-store", "sqlite", "checkpoint backend (sqlite/file)")
	rootCmd.Flags().String("checkpoint", "./checkpoint.db", "checkpoint database file or directory")
	rootCmd.Flags().Int("concurrency", 2, "number of concurrent jobs")
	rootCmd.Flags().Int("sync-workers", 4, "workers applying incremental changed ranges")
	rootCmd.Flags().Int("retries", 5, "maximum retry attempts for transient failures")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "initial retry backoff in milliseconds")
	rootCmd.Flags().Bool("skip-fix", false, "skip offline guest fixes")
	rootCmd.Flags().Bool("skip-validate", false, "skip the boot smoke test")
	rootCmd.Flags().Bool("refresh", false, "re-run completed stages, syncing changed blocks onto the kept base image where possible")
	rootCmd.Flags().Int("boot-timeout", 180, "boot smoke test timeout in seconds")
	rootCmd.Flags().String("log-level", "info", "log level (debug/info/warn/error)")
	rootCmd.Flags().String("metrics-addr", "", "metrics listen address (empty disables)")
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("%v: %w", err, errkind.ErrInvalidJob)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal, stopping after current stage")
		cancel()
	}()

	app, err := pipeline.NewApp(ctx, cfg, log)
	if err != nil {
		// Nothing has run yet, so there is no checkpoint worth resuming.
		return fmt.Errorf("%v: %w", err, errkind.ErrInvalidJob)
	}
	defer app.Close(context.Background())

	return app.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errkind.Configuration(err) {
			os.Exit(exitConfigErr)
		}
		os.Exit(exitResumable)
	}
	os.Exit(exitOK)
}
