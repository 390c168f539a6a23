package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-blocker/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan <page-file|url>",
	Short: "Scan a page once and write it with matching images blocked",
	Long: `Load a page, run scan passes over it and write the rewritten HTML.

Every pass inspects at most maxScans images that were not inspected before, so
passes are repeated until no candidates remain or --passes is reached.

Example:
  face-blocker scan ./saved-page.html > blocked.html
  face-blocker scan --passes 3 -o blocked.html https://example.com/gallery.html`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Int("passes", 0, "Maximum number of passes (0 = until no candidates remain)")
	scanCmd.Flags().StringP("output", "o", "", "Write the rewritten HTML to this file instead of stdout")
	scanCmd.Flags().Bool("no-progress", false, "Hide the progress bar")
}

// passProgress draws one progress bar per pass.
type passProgress struct {
	hidden bool
	pass   string
	bar    *progressbar.ProgressBar
}

func (p *passProgress) update(pr scanner.Progress) {
	if p.hidden {
		return
	}
	if pr.PassID != p.pass {
		p.finish()
		p.pass = pr.PassID
		p.bar = progressbar.NewOptions(pr.Total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Inspecting images"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
	}
	p.bar.Add(1)
}

func (p *passProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(os.Stderr)
		p.bar = nil
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	maxPasses := mustGetInt(cmd, "passes")
	output := mustGetString(cmd, "output")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	count, err := rt.refs.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count reference faces: %w", err)
	}
	if count == 0 {
		return errors.New("no reference faces stored, add some with 'face-blocker faces add'")
	}

	doc, err := loadPage(ctx, args[0])
	if err != nil {
		return err
	}
	defer doc.Close()

	progress := &passProgress{hidden: mustGetBool(cmd, "no-progress")}
	sc := rt.newScanner(doc, scanner.WithProgress(progress.update))

	var total scanner.PassResult
	passes := 0
	for maxPasses == 0 || passes < maxPasses {
		res, err := sc.Pass(ctx)
		progress.finish()
		if err != nil {
			return fmt.Errorf("scan pass failed: %w", err)
		}
		passes++
		total.Inspected += res.Inspected
		total.CacheHits += res.CacheHits
		total.CacheMisses += res.CacheMisses
		total.Blocked += res.Blocked
		total.Duration += res.Duration

		if res.Skipped != "" {
			fmt.Fprintf(os.Stderr, "Pass skipped: %s\n", res.Skipped)
			break
		}
		if res.Candidates == 0 {
			break
		}
	}

	html, err := doc.HTML()
	if err != nil {
		return fmt.Errorf("rendering page: %w", err)
	}
	if output == "" {
		fmt.Print(html)
	} else if err := os.WriteFile(output, []byte(html), 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Passes: %d | Inspected: %d | Cache hits: %d | Detections: %d | Blocked: %d | Took %s\n",
		passes, total.Inspected, total.CacheHits, total.CacheMisses, total.Blocked, total.Duration.Round(time.Millisecond))
	return nil
}
