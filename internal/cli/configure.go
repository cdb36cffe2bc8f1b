package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/nrhchnd1412/agentcore/internal/config"
	"github.com/spf13/cobra"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file to the --config path, or to
$HOME/.agentcore/agentcore.json. Provider keys found in ANTHROPIC_API_KEY,
OPENAI_API_KEY or GEMINI_API_KEY are added as agent profiles.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	if len(cfg.Agent.Profiles) == 0 {
		color.New(color.FgYellow).Fprintln(out, "No agent profiles configured yet; add one under agent.profiles.")
	}
	fmt.Fprintln(out, "Start the service with: agentcore serve")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	red := color.New(color.FgRed)

	if err := cfg.Validate(); err != nil {
		red.Fprintf(out, "✗ %v\n", err)
		return fmt.Errorf("invalid configuration")
	}
	problems := config.NewValidator().ValidateConfig(cfg)
	for _, problem := range problems {
		color.New(color.FgYellow).Fprintf(out, "! %v\n", problem)
	}
	color.New(color.FgGreen).Fprintln(out, "✓ configuration is valid")
	return nil
}
