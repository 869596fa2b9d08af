package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/log"
	"github.com/mattjoyce/wecom-gw/internal/outbound"
	"github.com/mattjoyce/wecom-gw/internal/wecom"
)

func newDispatcher(cfg *config.Config, client *wecom.Client, creds outbound.Credentials, events outbound.Publisher) *outbound.Dispatcher {
	return outbound.NewDispatcher(client, creds, outbound.MarkdownRenderer{}, outbound.Config{
		AgentID:              cfg.WeCom.AgentID,
		LongMessageThreshold: cfg.Outbound.LongMessageThreshold,
	}, log.WithComponent("outbound"), events)
}

// loadDispatcher builds a one-shot dispatcher for CLI commands.
func loadDispatcher(configPath string) (*outbound.Dispatcher, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	client := newClient(cfg)
	creds := credential.NewManager(client, credentialConfig(cfg), log.WithComponent("credential"), nil)
	return newDispatcher(cfg, client, creds, nil), nil
}

func mediaCmd(configPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "media <media-id>",
		Short: "Download inbound media (voice, image, file) by media id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDispatcher(*configPath)
			if err != nil {
				return err
			}
			m, err := d.DownloadMedia(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = m.Filename
			}
			if outPath == "" {
				outPath = args[0]
			}
			if outPath == "-" {
				_, err := cmd.OutOrStdout().Write(m.Data)
				return err
			}
			if err := os.WriteFile(outPath, m.Data, 0o600); err != nil {
				return fmt.Errorf("write media: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes (%s) to %s\n", len(m.Data), m.ContentType, filepath.Clean(outPath))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", `output file, "-" for stdout (default: server filename)`)
	return cmd
}

func lookupCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up directory records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "user <user-id>",
		Short: "Show a user from the corp directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDispatcher(*configPath)
			if err != nil {
				return err
			}
			u, err := d.LookupUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "department <id>",
		Short: "Show a department from the corp directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("department id must be an integer: %w", err)
			}
			d, err := loadDispatcher(*configPath)
			if err != nil {
				return err
			}
			dept, err := d.LookupDepartment(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, dept)
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
