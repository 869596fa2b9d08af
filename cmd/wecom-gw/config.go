package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gw/internal/config"
)

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(configCheckCmd(configPath))
	cmd.AddCommand(configLockCmd(configPath))
	return cmd
}

func configCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, required fields and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return printConfigSummary(cmd.OutOrStdout(), cfg)
		},
	}
}

func configLockCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the config file's BLAKE3 hash in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("config lock needs --config")
			}
			hash, err := config.Lock(*configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "locked %s (blake3 %s)\n", *configPath, hash)
			return err
		},
	}
}

func printConfigSummary(w io.Writer, cfg *config.Config) error {
	source := cfg.SourceFile
	if source == "" {
		source = "environment"
	}
	_, err := fmt.Fprintf(w, `config OK (%s)
  listen:        %s
  corp_id:       %s
  agent_id:      %d
  secret:        %s
  token:         %s
  state:         %s (dedupe ttl %s)
  admin:         %t
`,
		source,
		cfg.Service.Listen,
		cfg.WeCom.CorpID,
		cfg.WeCom.AgentID,
		redact(cfg.WeCom.Secret),
		redact(cfg.WeCom.Token),
		cfg.State.Path, cfg.State.DedupeTTL,
		cfg.Admin.Enabled,
	)
	return err
}

// redact keeps only enough of a secret to tell two apart.
func redact(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-2:]
}
