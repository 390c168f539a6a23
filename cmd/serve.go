package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-blocker/internal/compute"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/scanner"
	"github.com/kozaktomas/face-blocker/internal/web"
	"github.com/kozaktomas/face-blocker/internal/web/handlers"
)

const emptyPage = "<html><head></head><body></body></html>"

var serveCmd = &cobra.Command{
	Use:   "serve [page-file|url]",
	Short: "Start the web server",
	Long: `Start the Face Blocker server.

The server keeps one page loaded, scans it whenever images are added or the
reference faces change, and exposes the message API, the event stream and
Prometheus metrics. Without an argument an empty page is served and content
arrives through POST /api/v1/page/nodes.

Example:
  face-blocker serve
  face-blocker serve https://example.com/gallery.html
  face-blocker serve --port 9090 ./saved-page.html`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("skip-compute-check", false, "Do not run the resource check on startup")
}

// resolveServeHostPort applies explicitly set flags on top of the environment.
func resolveServeHostPort(cmd *cobra.Command, host string, port int) (string, int) {
	if cmd.Flags().Changed("port") {
		port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		host = mustGetString(cmd, "host")
	}
	return host, port
}

func loadServePage(ctx context.Context, args []string) (*page.Document, error) {
	if len(args) == 0 {
		return page.ParseString(emptyPage, "")
	}
	return loadPage(ctx, args[0])
}

// startupCheck runs the resource probe once and switches matching off when the
// host cannot run it.
func startupCheck(ctx context.Context, rt *runtime, probe *compute.Probe, sc *scanner.Scanner) {
	res, err := compute.Recheck(ctx, probe, rt.store)
	if err != nil {
		rt.log.Warn("failed to store compute check result", "error", err)
	}
	if res.AutoDisabled {
		sc.SetEnabled(false)
		rt.log.Warn("face matching disabled by compute check", "details", res.Details)
		return
	}
	rt.log.Info("compute check passed", "score", res.Score, "adequate", res.IsAdequate)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	doc, err := loadServePage(ctx, args)
	if err != nil {
		return err
	}
	defer doc.Close()

	metrics, err := rt.newMetrics()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	events := handlers.NewEventBroadcaster()
	sc := rt.newScanner(doc,
		scanner.WithMetrics(metrics),
		scanner.WithProgress(events.Progress),
	)
	probe := rt.newProbe()

	rt.cfg.Web.Host, rt.cfg.Web.Port = resolveServeHostPort(cmd, rt.cfg.Web.Host, rt.cfg.Web.Port)
	server := web.NewServer(rt.cfg, web.Deps{
		Store:    rt.store,
		Refs:     rt.refs,
		Cache:    rt.cache,
		Scanner:  sc,
		Page:     doc,
		Probe:    probe,
		Model:    rt.engine.Handle(),
		Events:   events,
		Gatherer: prometheus.DefaultGatherer,
	}, rt.log)

	var wg sync.WaitGroup
	wg.Go(func() { rt.cache.Watch(ctx) })
	if !mustGetBool(cmd, "skip-compute-check") {
		// Runs before the scanner so an inadequate host never starts a pass.
		startupCheck(ctx, rt, probe, sc)
	}
	wg.Go(func() {
		if err := sc.Run(ctx); err != nil {
			rt.log.Error("scanner stopped", "error", err)
		}
	})

	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Blocker on http://%s:%d\n", rt.cfg.Web.Host, rt.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	err = server.Start()
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
