package app

import (
	"fmt"
	goruntime "runtime"
	"strings"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
		GoVersion: goruntime.Version(),
		Platform:  goruntime.GOOS + "/" + goruntime.GOARCH,
	}
}

func (b buildInfo) long() string {
	return fmt.Sprintf("%s (commit=%s, build_date=%s, %s %s)", b.Version, b.Commit, b.BuildDate, b.GoVersion, b.Platform)
}

func newVersionCmd() *cobra.Command {
	var long, asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return failf(2, "version: unexpected positional arguments %q", args)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := currentBuild()
			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				if err := writeJSON(out, b); err != nil {
					return failf(1, "version: %v", err)
				}
			case long:
				fmt.Fprintln(out, b.long())
			default:
				fmt.Fprintln(out, b.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "include commit, build date and platform")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
