package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/bivouac/internal/config"
	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/imageprep"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/libvirt"
	"github.com/jbweber/bivouac/internal/orchestrator"
	"github.com/jbweber/bivouac/internal/scheduler"
)

var (
	version = "dev"
	commit  = "unknown"
)

// pollInterval is how often the serve loop checks for due tasks.
const pollInterval = 15 * time.Second

var (
	configPath   string
	envFile      string
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bivouac",
	Short: "Bivouac - short-lived campaign VM orchestrator",
	Long: `Bivouac provisions short-lived virtual machines for campaign runs:
it derives an instance disk from a base image, injects per-run
credentials offline, boots the instance for a bounded duration, then
shuts it down and releases its resources on a schedule.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/bivouac/config.yaml", "daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file overlaying the configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testConnCmd)
}

// loadConfig loads and validates the daemon configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openStack wires the full lifecycle stack over the configuration.
// The returned store must be closed by the caller.
func openStack(cfg *config.Config) (*ledger.Store, *scheduler.Queue, *orchestrator.Orchestrator, error) {
	store, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	queue, err := scheduler.NewQueue(store.DB())
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to open task queue: %w", err)
	}

	connector := domain.SocketConnector(cfg.LibvirtSocket, cfg.LibvirtTimeout)
	controller := domain.NewController(connector, cfg.PoolName, cfg.PoolPath)
	prep := imageprep.NewProvisioner(controller)
	orch := orchestrator.New(controller, prep, store, queue, cfg)

	return store, queue, orch, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifecycle daemon",
	Long: `Run the bivouac daemon: poll the task queue and execute due
shutdown and cleanup steps. Tasks pending from before a restart are
picked up automatically; nothing is lost across restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, queue, orch, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close ledger: %v\n", err)
			}
		}()

		pending, err := queue.Pending()
		if err != nil {
			return fmt.Errorf("failed to read pending tasks: %w", err)
		}
		fmt.Printf("Serving with %d pending task(s)\n", len(pending))

		dispatcher := scheduler.NewDispatcher(queue, pollInterval)
		orch.RegisterHandlers(dispatcher)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dispatcher.Start(ctx)
		return nil
	},
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Testing libvirt connection...")

		client, err := libvirt.Connect(cfg.LibvirtSocket, 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		lvVersion, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}

		// libvirt returns the version as an integer like 8006000 for 8.6.0
		major := lvVersion / 1000000
		minor := (lvVersion % 1000000) / 1000
		patch := lvVersion % 1000
		fmt.Printf("✓ Libvirt version: %d.%d.%d\n", major, minor, patch)

		hostname, err := client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)

		fmt.Println("\nConnection test successful!")
		return nil
	},
}
