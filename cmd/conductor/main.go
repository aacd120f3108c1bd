// Ensemble conductor: CLI entry point.
//
// The conductor accepts instruments over UDP, keeps a delay estimate for
// each of them, and streams the tracks of a MIDI file so that every
// instrument sounds its notes at the same moment. Songs are played by
// typing their path on stdin or by dropping them into a watched directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/clocksync"
	"github.com/1ureka/ensemble/internal/conductor"
	"github.com/1ureka/ensemble/internal/config"
	"github.com/1ureka/ensemble/internal/control"
	"github.com/1ureka/ensemble/internal/monitor"
	"github.com/1ureka/ensemble/internal/scheduler"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/transport"
	"github.com/1ureka/ensemble/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags. Anything set here overrides the config file.
	port := flag.Int("port", -1, "UDP port to listen on, 0 for any (default from config)")
	configPath := flag.String("config", "", "YAML config file")
	watchDir := flag.String("watch", "", "Play .mid files dropped into this directory")
	monitorAddr := flag.String("monitor", "", "Serve the HTTP monitor on this address (e.g. 127.0.0.1:8080)")
	tracePath := flag.String("trace", "", "Write the max client delay trace to this CSV file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConductor(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *watchDir != "" {
		cfg.WatchDir = *watchDir
	}
	if *monitorAddr != "" {
		cfg.MonitorAddr = *monitorAddr
	}
	if *tracePath != "" {
		cfg.TracePath = *tracePath
	}
	if *debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid config: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Ensemble conductor v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("conductor stopped")
}

// run binds every socket, then supervises the loop and its helpers until
// the loop quits or ctx is cancelled.
func run(ctx context.Context, cfg config.Conductor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listen, err := transport.Listen(ctx, net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)), cfg.InboxSize)
	if err != nil {
		return err
	}
	defer listen.Close()

	util.LogSuccess("listening for instruments on %s", listen.LocalAddr())

	clk := clock.New()
	open := func(remote *net.UDPAddr) (session.Link, error) {
		return transport.Open(ctx, cfg.Host, remote, cfg.InboxSize)
	}
	c := conductor.New(conductorConfig(cfg), clk, listen, open)

	if cfg.TracePath != "" {
		trace, err := monitor.OpenTrace(cfg.TracePath)
		if err != nil {
			return err
		}
		defer trace.Close()
		c.Tracer = trace
		util.LogInfo("writing delay trace to %s", cfg.TracePath)
	}

	var mon *monitor.Server
	if cfg.MonitorAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		hub := monitor.NewHub()
		c.Publisher = hub
		mon = monitor.New(c, hub)
		addr, err := mon.Start(cfg.MonitorAddr)
		if err != nil {
			return err
		}
		util.LogSuccess("monitor on http://%s/status", addr)
	}

	commands := make(chan string, 16)

	// stdin is read outside the group: a blocked terminal read cannot be
	// interrupted and must not hold up shutdown.
	go func() {
		if err := control.Lines(ctx, os.Stdin, commands); err != nil {
			util.LogWarning("stdin: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		clock.Run(gctx, clk, cfg.LoopInterval())
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return c.Run(gctx, commands)
	})

	if cfg.WatchDir != "" {
		g.Go(func() error {
			return control.Watch(gctx, cfg.WatchDir, 500*time.Millisecond, commands)
		})
	}

	util.StartStatsReporter(gctx, time.Duration(cfg.StatsInterval)*time.Second)
	pterm.Println()
	util.LogInfo("type a MIDI file path to play it, \"status\" for the peer table, \"quit\" to exit")

	err = g.Wait()

	if mon != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if serr := mon.Shutdown(shutdownCtx); serr != nil {
			util.LogWarning("monitor shutdown: %v", serr)
		}
	}
	return err
}

func conductorConfig(cfg config.Conductor) conductor.Config {
	return conductor.Config{
		LoopInterval:   cfg.LoopInterval(),
		MaxPeers:       cfg.MaxPeers,
		InitialDelayMs: cfg.InitialDelayMs,
		DelaySamples:   cfg.DelaySamples,
		Sync: clocksync.Config{
			Trials:        cfg.SyncTrials,
			MinTimeoutMs:  cfg.MinSyncTimeoutMs,
			TimeoutFactor: cfg.SyncTimeoutFactor,
		},
		Limits: scheduler.Limits{
			MaxTracks:          cfg.MaxTracks,
			MaxEventsPerTrack:  cfg.MaxEventsPerTrack,
			MaxEventsPerPacket: cfg.MaxEventsPerPacket,
			Policy:             scheduler.Policy(cfg.Backpressure),
		},
	}
}
