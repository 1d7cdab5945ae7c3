package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/classwatch/classwatch/internal/conf"
)

// Command creates the command that prints the effective configuration.
func Command() *cobra.Command {
	var savePath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file and CLASSWATCH_* environment variables are merged.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := conf.GetSettings()
			if savePath != "" {
				if err := conf.SaveYAMLConfig(savePath, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", savePath)
				return nil
			}

			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("error marshaling settings: %w", err)
			}
			if file := settings.ConfigFile(); file != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", file)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&savePath, "save", "", "Write the effective configuration to this file instead of printing it")
	return cmd
}
