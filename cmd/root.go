package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "face-blocker",
	Short: "Hide images whose faces match a set of reference faces",
	Long: `Face Blocker scans web pages for images, detects faces in them and replaces
every image showing one of your reference faces with a placeholder.

Verdicts are cached per image so repeat visits cost no detections, and the
whole cache is invalidated when the reference faces change.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging (same as LOG_DEBUG=true)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
