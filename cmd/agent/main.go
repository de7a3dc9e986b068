// Command agent is the worker-side process: samples host resources,
// maintains the persistent registration/ping stream to a conductor,
// and drives local container services from pushed deployment
// instructions (spec §2 "Worker Agent").
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetd/fleetd/pkg/agent"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitConfig and exitPersistence are the process exit codes spec §6
// reserves for configuration and startup-persistence failures.
const (
	exitConfig      = 2
	exitPersistence = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "agent - registers with a conductor and runs its declared container services",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})

	startCmd.Flags().String("conductor-url", os.Getenv("CONDUCTOR_URL"), "Conductor websocket base URL (ws://host:port)")
	startCmd.Flags().String("conductor-token", os.Getenv("CONDUCTOR_TOKEN"), "Registration bearer token")
	startCmd.Flags().Int("port", envInt("PORT", 9090), "Local admin HTTP listen port")
	startCmd.Flags().String("containerd-socket", envOr("CONTAINERD_SOCKET", "/run/containerd/containerd.sock"), "containerd socket path")
	startCmd.Flags().String("hostname", "", "Override detected hostname")
	startCmd.Flags().String("ip-address", "", "Override detected IP address")
	startCmd.Flags().Int("cpu-cores", 0, "Declared CPU cores (sent as given; not autodetected)")
	startCmd.Flags().Float64("ram-gb", 0, "Declared RAM in GB (sent as given; not autodetected)")
	startCmd.Flags().Float64("disk-gb", 0, "Declared disk in GB (sent as given; not autodetected)")
	startCmd.Flags().Duration("heartbeat-interval", envDuration("HEARTBEAT_INTERVAL", 30*time.Second), "Ping cadence")
	startCmd.Flags().Duration("resource-check-interval", envDuration("RESOURCE_CHECK_INTERVAL", 60*time.Second), "Stored in agent.Config; not used (the probe is sampled once per ping)")

	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the worker agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		conductorURL, _ := cmd.Flags().GetString("conductor-url")
		token, _ := cmd.Flags().GetString("conductor-token")
		port, _ := cmd.Flags().GetInt("port")
		socket, _ := cmd.Flags().GetString("containerd-socket")
		hostname, _ := cmd.Flags().GetString("hostname")
		ip, _ := cmd.Flags().GetString("ip-address")
		cpuCores, _ := cmd.Flags().GetInt("cpu-cores")
		ramGB, _ := cmd.Flags().GetFloat64("ram-gb")
		diskGB, _ := cmd.Flags().GetFloat64("disk-gb")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		resourceCheck, _ := cmd.Flags().GetDuration("resource-check-interval")

		if conductorURL == "" || token == "" {
			fmt.Fprintln(os.Stderr, "Error: CONDUCTOR_URL and CONDUCTOR_TOKEN must not be empty")
			os.Exit(exitConfig)
		}
		if hostname == "" {
			h, err := os.Hostname()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: could not detect hostname: %v\n", err)
				os.Exit(exitConfig)
			}
			hostname = h
		}
		if ip == "" {
			ip = detectOutboundIP()
		}

		cfg := agent.Config{
			ConductorURL:          conductorURL,
			ConductorToken:        token,
			AdminPort:             port,
			ContainerdSocket:      socket,
			Hostname:              hostname,
			IPAddress:             ip,
			Declared:              &types.DeclaredResources{CPUCores: cpuCores, RAMGB: ramGB, DiskGB: diskGB},
			HeartbeatInterval:     heartbeat,
			ResourceCheckInterval: resourceCheck,
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(exitConfig)
		}

		a, err := agent.New(cfg, log.WithComponent("agent"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitPersistence)
		}
		defer a.Shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Logger.Info().Str("conductor_url", cfg.ConductorURL).Str("hostname", cfg.Hostname).Msg("starting worker agent")
		if err := a.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("agent stopped: %w", err)
		}
		log.Logger.Info().Msg("agent shutdown complete")
		return nil
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// detectOutboundIP finds the local address that would be used to reach
// the public internet, without sending any traffic. Falls back to
// "127.0.0.1" if no route is available.
func detectOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
