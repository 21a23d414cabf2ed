package main

import (
	"fmt"
	"os"

	"codeheal/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration (keys redacted), or write it to a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if out, _ := cmd.Flags().GetString("write"); out != "" {
			if err := settings.SaveToFile(out); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s (load it with CODEHEAL_CONFIG)\n", color.GreenString("✓"), out)
			return nil
		}
		shown := settings.GetSettings()
		for _, creds := range []*config.ProviderCredentials{&shown.AIProviders.Anthropic, &shown.AIProviders.Gemini, &shown.AIProviders.Embedding} {
			if creds.APIKey != "" {
				creds.APIKey = "<redacted>"
			}
		}
		data, err := yaml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().String("write", "", "write the effective configuration to this path")
}
