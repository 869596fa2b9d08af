package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "wecom-gw",
		Short:        "WeCom callback gateway",
		Long:         "wecom-gw verifies, decrypts and dispatches WeCom callbacks and sends messages through the WeCom API.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: environment variables)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(configCmd(&configPath))
	root.AddCommand(tokenCmd(&configPath))
	root.AddCommand(mediaCmd(&configPath))
	root.AddCommand(lookupCmd(&configPath))
	root.AddCommand(versionCmd())
	return root
}

const binaryName = "wecom-gw"

type versionInfo struct {
	Binary    string `json:"binary"`
	Module    string `json:"module,omitempty"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func versionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd.OutOrStdout(), buildVersion(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}

func printVersion(w io.Writer, info versionInfo, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("render version JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	commit := info.Commit
	if info.Modified {
		commit += " (modified)"
	}
	_, err := fmt.Fprintf(w, "%s %s (%s)\nmodule: %s\ncommit: %s\nbuilt_at: %s\n",
		info.Binary, info.Version, info.GoVersion, orUnknown(info.Module), commit, info.BuildTime)
	return err
}

// buildVersion merges linker-set variables with the VCS stamp the go tool
// embeds. Linker values win when set.
func buildVersion() versionInfo {
	info := versionInfo{
		Binary:    binaryName,
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(gitCommit),
		BuildTime: strings.TrimSpace(buildDate),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildInfo(&info, bi)
	}

	info.Commit = abbrevCommit(info.Commit)
	if t, err := time.Parse(time.RFC3339Nano, info.BuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	} else {
		info.BuildTime = "unknown"
	}
	return info
}

func applyBuildInfo(info *versionInfo, bi *debug.BuildInfo) {
	info.Module = bi.Main.Path
	if bi.GoVersion != "" {
		info.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if isUnset(info.Commit) {
				info.Commit = s.Value
			}
		case "vcs.time":
			if isUnset(info.BuildTime) {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func isUnset(v string) bool { return v == "" || v == "unknown" }

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// abbrevCommit keeps the first 12 hex digits of a revision.
func abbrevCommit(commit string) string {
	commit = strings.TrimSpace(commit)
	if isUnset(commit) {
		return "unknown"
	}
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
