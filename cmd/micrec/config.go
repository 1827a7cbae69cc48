package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petems/micrec/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return yaml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(configFile())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		save := config.Default().Save
		if cfgFile != "" {
			save = func() error { return config.Default().SaveTo(cfgFile) }
		}
		if err := save(); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		log.Info().Str("path", path).Msg("Config written")
		return nil
	},
}

func configFile() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.Path()
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}
