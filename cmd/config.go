package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/config"
)

// NewConfigCmd returns the "config" command group: show the effective
// settings, or persist an override to the on-disk config file.
func NewConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change persisted configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigSetCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range config.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\n", key, config.Get(a.settings, key))
			}
			return nil
		},
	}
}

func newConfigSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a configuration override to the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreatePaths(); err != nil {
				return err
			}
			s, err := config.Set(a.settings, args[0], args[1])
			if err != nil {
				return err
			}
			if err := s.Write(config.File()); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}
			a.settings = s
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\n", args[0], config.Get(s, args[0]))
			return nil
		},
	}
}
