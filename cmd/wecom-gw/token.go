package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/log"
)

func tokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch an access token and show its expiry (token redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			mgr := credential.NewManager(newClient(cfg), credentialConfig(cfg), log.WithComponent("credential"), nil)
			cred, err := mgr.Get(cmd.Context())
			if err != nil {
				return err
			}
			return printCredential(cmd.OutOrStdout(), cred, mgr.Status())
		},
	}
}

func printCredential(w io.Writer, cred credential.Credential, st credential.Status) error {
	refresh := "-"
	if st.RefreshAt != nil {
		refresh = st.RefreshAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w, "token:       %s\nobtained_at: %s\nexpires_at:  %s\nrefresh_at:  %s\nstate:       %s\n",
		redact(cred.Token),
		cred.ObtainedAt.Format(time.RFC3339),
		cred.ExpiresAt().Format(time.RFC3339),
		refresh,
		st.State,
	)
	return err
}
