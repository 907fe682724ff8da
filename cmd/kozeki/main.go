package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"kozeki/internal/app"
	"kozeki/internal/config"
	"kozeki/internal/metrics"
)

func main() {
	// A missing .env is fine; it only supplies optional variables.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

// resolveConfigPath returns the --config flag, or the default config location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", fmt.Errorf("getting defaults: %w", err)
	}
	return defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
func newApp(opts ...app.Option) (*app.App, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "kozeki",
	Short:        "Incremental content builder",
	SilenceUsage: true,
}

// build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Render the source tree into the destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.Build(!full, nil)
		if err != nil {
			return fmt.Errorf("build failed: %w", err)
		}

		kind := "incremental"
		if b.Full() {
			kind = "full"
		}
		fmt.Printf("Build #%d (%s): %d file(s) written, %d deleted\n",
			b.ID(), kind, len(b.UpdatedFiles()), len(b.DeletedFiles()))
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild incrementally whenever the source changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []app.Option
		var server *http.Server
		if metricsAddr != "" {
			observer, err := metrics.NewPrometheusObserver()
			if err != nil {
				return fmt.Errorf("creating metrics: %w", err)
			}
			opts = append(opts, app.WithObserver(observer))

			mux := http.NewServeMux()
			mux.Handle("/metrics", observer.Handler())
			server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		}

		a, err := newApp(opts...)
		if err != nil {
			return err
		}
		defer a.Close()

		if server != nil {
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.Logger().Error("metrics server failed", "addr", metricsAddr, "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving metrics on %s/metrics\n", metricsAddr)
		}

		return a.Watch(ctx)
	},
}

// debug-state command
var debugStateCmd = &cobra.Command{
	Use:   "debug-state",
	Short: "Dump the build state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.DebugState(os.Stdout)
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}

		// Relative paths in the written config resolve against its directory.
		cfg := config.NewConfig(".")
		cfg.LogDir = "log"

		if err := config.Init(path, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}

		cfg, err := config.ReadFromFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("# Configuration from %s\n\n", path)
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $KOZEKI_CONFIG_PATH or ./kozeki.toml)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// root commands
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().Bool("full", false, "Discard the state and rebuild everything")
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(debugStateCmd)
	rootCmd.AddCommand(configCmd)
}
