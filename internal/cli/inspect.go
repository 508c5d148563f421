package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/agentfleet/internal/journal"
)

func buildEventsCommand(opts *options) *cobra.Command {
	var path, topic string
	var validate bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event journal",
		Long:  "Print the memory bus event journal, one line per event. Defaults to bus.journal from the config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(opts.configFile)
				if err != nil {
					return err
				}
				path = cfg.Bus.Journal
			}
			if path == "" {
				return fmt.Errorf("no journal configured (set bus.journal or --journal)")
			}
			if validate {
				if err := journal.Validate(path); err != nil {
					return fmt.Errorf("journal %s: %w", path, err)
				}
			}
			n, err := journal.Dump(path, topic, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "journal", "", "journal file path")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "only print events on this topic")
	cmd.Flags().BoolVar(&validate, "validate", false, "check checksums and sequence numbers first")
	return cmd
}

func buildConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
