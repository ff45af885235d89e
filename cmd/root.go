package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/samuelwildary2025/novo-agente/internal/config"
	"github.com/samuelwildary2025/novo-agente/internal/gateway"
)

// Version is set at build time via -ldflags "-X github.com/samuelwildary2025/novo-agente/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "novo-agente",
	Short:        "novo-agente — WhatsApp inbound gateway",
	Long:         "novo-agente: buffers WhatsApp messages per conversation, pauses on human takeover, and delivers LLM replies with human-like pacing.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $NOVO_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("novo-agente %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NOVO_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// loadConfig loads the config and installs the default slog handler.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	gateway.Version = Version
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogJSON() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
