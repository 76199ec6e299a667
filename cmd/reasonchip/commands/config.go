package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/config"
	"github.com/SouthPatron/reasonchip/errors"
)

// ConfigCmd groups configuration helpers.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		enc := toml.NewEncoder(cmd.OutOrStdout())
		if err := enc.Encode(cfg); err != nil {
			return Exit(ExitError, errors.Wrap(err, "failed to render config"))
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to ~/.reasonchip/config.toml",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return Exit(ExitConfigurationProblem, errors.Wrap(err, "failed to find home directory"))
		}

		dir := filepath.Join(home, ".reasonchip")
		if err := os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
			return Exit(ExitConfigurationProblem, errors.Wrap(err, "failed to create config directory"))
		}

		path := filepath.Join(dir, "config.toml")
		if _, err := os.Stat(path); err == nil {
			return Exitf(ExitConfigurationProblem, "refusing to overwrite existing %s", path)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, config.DefaultFilePermissions)
		if err != nil {
			return Exit(ExitConfigurationProblem, errors.Wrapf(err, "failed to create %s", path))
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return Exit(ExitError, errors.Wrap(err, "failed to write config"))
		}

		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
}
