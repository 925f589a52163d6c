package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
ROBOTHOR_* environment variables. Credentials are never printed; the
command fails when the configuration does not validate.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())

	creds := cfg.Credentials
	fmt.Fprintf(cmd.OutOrStdout(), "\ncredentials: anthropic=%t openai=%t redis=%s\n",
		creds.AnthropicAPIKey != "", creds.OpenAIAPIKey != "", redactURL(creds.RedisURL))
	return nil
}

func redactURL(raw string) string {
	if raw == "" {
		return "-"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid)"
	}
	return u.Redacted()
}
