package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Release metadata, overridden with -ldflags "-X .../cmd.Version=..." by release builds.
var (
	Version   = "0.1.0-dev"
	CommitSHA = ""
	BuildDate = ""
)

// versionInfo fills commit and build date from the VCS stamp the Go toolchain
// embeds when the ldflags were not set.
func versionInfo(info *debug.BuildInfo) (commit, date string, modified bool) {
	commit, date = CommitSHA, BuildDate
	if info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if date == "" {
					date = s.Value
				}
			case "vcs.modified":
				modified = s.Value == "true"
			}
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = "unknown"
	}
	return commit, date, modified
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the face-blocker version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		commit, date, modified := versionInfo(info)
		if modified {
			commit += "+dirty"
		}
		goVersion := "unknown"
		if info != nil {
			goVersion = info.GoVersion
		}
		fmt.Printf("face-blocker %s\n", Version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", date)
		fmt.Printf("  Go:     %s\n", goVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
