// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okemovail/polaris/internal/config"
)

// newConfigCommand builds "polaris config" and its subcommands.
func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd, flags)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration (token redacted)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return showConfig(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := configFilePath(flags)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:       "get <key>",
			Short:     "Print one setting, e.g. chat.max_chars",
			Args:      cobra.ExactArgs(1),
			ValidArgs: config.GetAllKeys(),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := loadConfig(flags)
				if err != nil {
					return err
				}
				if strings.EqualFold(args[0], "backend.token") {
					fmt.Fprintln(cmd.OutOrStdout(), "[REDACTED]")
					return nil
				}
				v, err := cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting and save the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setConfig(cmd, flags, args[0], args[1])
			},
		},
	)
	return cmd
}

// configFilePath returns the file polaris reads, or the TOML path it would
// create.
func configFilePath(flags *globalFlags) (string, error) {
	if flags.configPath != "" {
		return flags.configPath, nil
	}
	path, err := config.FindConfigFile()
	if err != nil || path != "" {
		return path, err
	}
	return config.ConfigPathTOML()
}

func showConfig(cmd *cobra.Command, flags *globalFlags) error {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), cfg.String())
	return nil
}

// setConfig edits the file itself, without environment or flag overrides.
func setConfig(cmd *cobra.Command, flags *globalFlags, key, value string) error {
	path, err := configFilePath(flags)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".toml") {
		return fmt.Errorf("config set only writes TOML files; edit %s directly", path)
	}

	cfg := config.Default()
	if err := config.LoadTOML(cfg, path); err != nil && !isNotExist(err) {
		return err
	}
	cfg.SetDefaults()
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("[OK]"), key, value)
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
