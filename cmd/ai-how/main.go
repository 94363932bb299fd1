package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/idoudali/ai-how/pkg/health"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/metrics"
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

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ai-how",
	Short: "ai-how - declarative VM cluster provisioning for AI workstations",
	Long: `ai-how provisions HPC-style (SLURM) and cloud-style (Kubernetes)
VM clusters on a single workstation, driving libvirt directly.

Clusters are described in a YAML spec; provisioning is idempotent,
checkpointed, and rolled back on failure. GPUs are handed to VMs via
PCIe passthrough.`,
	Version:           Version,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ai-how version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/ai-how/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs instead of console output")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/ai-how", "root directory for state, pools, traces, and artifacts")
	rootCmd.PersistentFlags().String("libvirt-socket", "/var/run/libvirt/libvirt-sock", "libvirt management socket")
	rootCmd.PersistentFlags().Int("parallelism", 4, "how many nodes to provision concurrently")
	rootCmd.PersistentFlags().Duration("boot-timeout", 2*time.Minute, "how long to wait for a VM to boot")
	rootCmd.PersistentFlags().Duration("shutdown-timeout", 3*time.Minute, "how long to wait for a graceful shutdown before forcing")

	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(metricsCmd)
}

// initConfig layers config sources: flags, then AI_HOW_* environment
// variables, then the config file.
func initConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("/etc/ai-how")
		viper.AddConfigPath("$HOME/.config/ai-how")
	}
	viper.SetEnvPrefix("AI_HOW")
	viper.AutomaticEnv()
	// resolve through cmd rather than the package var so this function
	// does not participate in rootCmd's initialization
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	log.Init(log.Config{
		Level:      log.Level(viper.GetString("log-level")),
		JSONOutput: viper.GetBool("log-json"),
	})
	return nil
}

var downCmd = &cobra.Command{
	Use:   "down CLUSTER",
	Short: "Destroy a cluster and release all its resources",
	Long: `Destroy a cluster completely: VMs, volumes, GPU reservations, the
storage pool, the network, and generated artifacts. The state record
is removed last, so an interrupted destroy can be re-run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		orch, hv, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer hv.Close()

		if err := orch.Destroy(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster destroyed: %s\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop CLUSTER",
	Short: "Shut down a cluster's VMs without releasing resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		orch, hv, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer hv.Close()

		if err := orch.Stop(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster stopped: %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status CLUSTER",
	Short: "Show recorded and live state for one cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, hv, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer hv.Close()

		report, err := orch.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Cluster: %s (%s)\n", report.Name, report.Kind)
		fmt.Printf("Status:  %s\n", report.Status)
		for _, net := range report.Networks {
			fmt.Printf("Network: %s (%s, bridge %s)\n", net.Name, net.Subnet, net.Bridge)
		}
		for _, pool := range report.Pools {
			fmt.Printf("Pool:    %s (%d/%d GB free)\n", pool.Name, pool.AvailableGB, pool.CapacityGB)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VM\tROLE\tRECORDED\tACTUAL\tDRIFT\tGPUS\tSSH")
		for _, vm := range report.VMs {
			drift := ""
			if vm.Drifted {
				drift = "yes"
			}
			ssh := "-"
			if vm.IPAddress != "" {
				ssh = "closed"
				probe := health.SSHProbe(vm.IPAddress).WithTimeout(2 * time.Second)
				if probe.Probe(cmd.Context()).Reachable {
					ssh = "open"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", vm.Name, vm.Role, vm.Recorded, vm.Actual, drift, len(vm.GPUAddresses), ssh)
		}
		return w.Flush()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all recorded clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, hv, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer hv.Close()

		reports, err := orch.List()
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Println("No clusters recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tSTATUS\tVMS")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Name, r.Kind, r.Status, len(r.VMs))
		}
		return w.Flush()
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		fmt.Printf("Serving metrics on %s/metrics. Press Ctrl+C to stop.\n", addr)
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return srv.Close()
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	metricsCmd.Flags().String("addr", "127.0.0.1:9642", "listen address")
}
