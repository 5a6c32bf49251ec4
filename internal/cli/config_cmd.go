package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration converts to valid match settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := root.cfg.ToDiffim(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	cfgPath := os.Getenv("PSFMATCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/psfmatch/config.json"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
