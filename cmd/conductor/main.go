// Command conductor runs the server of record: worker registration,
// liveness tracking, resource telemetry ingestion, and fan-out to
// subscribed operators (spec §2 "Conductor").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/conductor"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/storage"
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
	Use:     "conductor",
	Short:   "conductor - orchestrates registered workers and fans out their live state",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("conductor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})

	serveCmd.Flags().Int("port", envInt("PORT", 8080), "HTTP/WebSocket listen port")
	serveCmd.Flags().String("data-dir", envOr("FLEETD_DATA_DIR", "./fleetd-data"), "BoltDB persistence path")
	serveCmd.Flags().String("jwt-secret", os.Getenv("FLEETD_JWT_SECRET"), "Credential-store signing secret")
	serveCmd.Flags().Duration("token-ttl", envDuration("FLEETD_TOKEN_TTL", 24*time.Hour), "Operator bearer token lifetime")
	serveCmd.Flags().Duration("liveness-window", envDuration("LIVENESS_WINDOW", 90*time.Second), "Max last_seen age before a worker is marked offline")
	serveCmd.Flags().Duration("ping-cadence", envDuration("PING_CADENCE", 30*time.Second), "Expected worker ping interval")
	serveCmd.Flags().Duration("sweep-interval", envDuration("SWEEP_INTERVAL", 10*time.Second), "Liveness sweeper tick")
	serveCmd.Flags().Duration("registration-grace", envDuration("REGISTRATION_GRACE", 30*time.Second), "Unauthenticated session grace window")

	operatorCreateCmd.Flags().String("data-dir", envOr("FLEETD_DATA_DIR", "./fleetd-data"), "BoltDB persistence path")
	operatorCreateCmd.Flags().String("username", "", "Operator username (required)")
	operatorCreateCmd.Flags().String("email", "", "Operator email (required)")
	operatorCreateCmd.Flags().String("secret", "", "Operator password (required)")
	operatorCreateCmd.Flags().String("role", "admin", "Operator role")
	_ = operatorCreateCmd.MarkFlagRequired("username")
	_ = operatorCreateCmd.MarkFlagRequired("email")
	_ = operatorCreateCmd.MarkFlagRequired("secret")

	operatorCmd.AddCommand(operatorCreateCmd)
	rootCmd.AddCommand(serveCmd, operatorCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		tokenTTL, _ := cmd.Flags().GetDuration("token-ttl")
		livenessWindow, _ := cmd.Flags().GetDuration("liveness-window")
		pingCadence, _ := cmd.Flags().GetDuration("ping-cadence")
		sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")
		registrationGrace, _ := cmd.Flags().GetDuration("registration-grace")

		if jwtSecret == "" {
			fmt.Fprintln(os.Stderr, "Error: --jwt-secret (or FLEETD_JWT_SECRET) must not be empty")
			os.Exit(exitConfig)
		}

		cfg := conductor.Config{
			Port:              port,
			DataDir:           dataDir,
			JWTSecret:         []byte(jwtSecret),
			TokenTTL:          tokenTTL,
			LivenessWindow:    livenessWindow,
			PingCadence:       pingCadence,
			SweepInterval:     sweepInterval,
			RegistrationGrace: registrationGrace,
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(exitConfig)
		}

		c, err := conductor.New(cfg, log.WithComponent("conductor"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitPersistence)
		}
		defer c.Shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Logger.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("starting conductor")
		if err := c.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("conductor stopped: %w", err)
		}
		log.Logger.Info().Msg("conductor shutdown complete")
		return nil
	},
}

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Manage operator accounts (out-of-band bootstrap)",
}

var operatorCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Seed a new operator account directly in persistence",
	Long:  "There is no self-service signup; the first operator (and any subsequent one) is created here, out-of-band, before anyone can log in over the REST surface (spec §3).",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		secret, _ := cmd.Flags().GetString("secret")
		role, _ := cmd.Flags().GetString("role")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open persistence: %v\n", err)
			os.Exit(exitPersistence)
		}
		defer store.Close()

		if existing, _ := store.GetOperatorByUsername(username); existing != nil {
			return fmt.Errorf("username %q already in use", username)
		}

		hash, err := auth.HashSecret(secret)
		if err != nil {
			return err
		}
		now := time.Now()
		op := &types.Operator{
			ID:         uuid.NewString(),
			Username:   username,
			Email:      email,
			SecretHash: hash,
			Role:       role,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := store.UpsertOperator(op); err != nil {
			return err
		}
		fmt.Printf("Operator %q created (id: %s)\n", op.Username, op.ID)
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
