package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/config"
)

// buildProvidersCmd lists the configured providers and whether each can run
// on this machine.
func buildProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := buildApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			return printProviders(cmd.OutOrStdout(), rt)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func printProviders(out io.Writer, rt *app) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tAVAILABLE\tMODELS")
	def := rt.providers.Default()
	for _, name := range rt.providers.Names() {
		p, err := rt.providers.Get(name)
		if err != nil {
			return err
		}
		label := name
		if name == def {
			label += " (default)"
		}
		var ids []string
		for _, m := range p.Models().Sorted() {
			ids = append(ids, m.ID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", label, p.Type(), p.Available(), strings.Join(ids, ", "))
	}
	return tw.Flush()
}

// buildConfigCmd groups configuration helpers.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if path == "" {
				return fmt.Errorf("no configuration file found; pass --config")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d providers, storage %s)\n", path, len(cfg.Providers), cfg.Storage.Driver)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
