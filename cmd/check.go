package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-blocker/internal/compute"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether this host can run face matching",
	Long: `Measure memory, CPU cores, hardware acceleration and the time of one face
detection, and score the host out of 100.

A score below 25 or a failed detection switches blocking off, the same way the
server does on startup.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := compute.Recheck(ctx, rt.newProbe(), rt.store)
	if err != nil {
		return fmt.Errorf("failed to store check result: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Println(res.Details)
	fmt.Printf("Memory:       %s\n", memoryLabel(res.Metrics))
	fmt.Printf("Cores:        %d\n", res.Metrics.Cores)
	fmt.Printf("Accelerated:  %t\n", res.Metrics.Accelerated)
	fmt.Printf("Detection:    %s (face found: %t)\n", res.Metrics.TestTime, res.Metrics.FaceDetected)
	switch {
	case res.AutoDisabled:
		fmt.Println("Blocking has been disabled on this host")
	case !res.IsAdequate:
		fmt.Println("Matching will be slow on this host")
	default:
		fmt.Println("Host is adequate")
	}
	return nil
}

func memoryLabel(m compute.Metrics) string {
	if !m.MemoryKnown {
		return "unknown"
	}
	return fmt.Sprintf("%.1f GB", m.MemoryGB)
}
