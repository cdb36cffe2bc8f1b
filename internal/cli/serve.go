package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/nrhchnd1412/agentcore/internal/config"
	"github.com/nrhchnd1412/agentcore/internal/daemon"
	"github.com/nrhchnd1412/agentcore/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the agentcore HTTP service",
	Long: `Run the agentcore HTTP service in the foreground.
The service stops gracefully on SIGINT or SIGTERM, letting in-flight
streams finish within the configured shutdown timeout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	for _, problem := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(problem).Msg("Configuration warning")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	printBanner(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:      cfg.Level,
		Service:    "agentcore",
		File:       cfg.File,
		Console:    cfg.Console,
		Pretty:     cfg.Pretty,
		Redaction:  cfg.Redaction,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	gray.Fprintf(out, "agentcore %s\n", version)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Listen:      %s\n", cfg.Server.Addr())
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Model:       %s (%d profiles)\n", cfg.Agent.Model, len(cfg.Agent.Profiles))
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Credentials: %s\n", cfg.Credential.Mode)
	if cfg.Gateway.URL != "" {
		green.Fprint(out, "  ▶ ")
		fmt.Fprintf(out, "Tools:       %s\n", cfg.Gateway.URL)
	}
	fmt.Fprintln(out)
}
