// Ensemble instrument: CLI entry point.
//
// An instrument joins a conductor over UDP, answers its clock probes, and
// sounds the MIDI events it is sent on a local output port. Typing "stop"
// makes it go silent, "start" brings it back, and a number sets an
// artificial delay in milliseconds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // registers the output driver

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/config"
	"github.com/1ureka/ensemble/internal/control"
	"github.com/1ureka/ensemble/internal/instrument"
	"github.com/1ureka/ensemble/internal/synth"
	"github.com/1ureka/ensemble/internal/transport"
	"github.com/1ureka/ensemble/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags. Anything set here overrides the config file.
	server := flag.String("server", "", "Conductor address, host:port")
	delay := flag.Int64("delay", -1, "Artificial delay in ms before acting on a packet")
	channel := flag.Int("channel", -2, "Play every message on this MIDI channel (0-15), -1 to keep")
	out := flag.String("out", "", "MIDI output port name, \"log\" to print instead of sounding")
	configPath := flag.String("config", "", "YAML config file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadInstrument(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *delay >= 0 {
		cfg.DelayMs = *delay
	}
	if *channel != -2 {
		cfg.Channel = *channel
	}
	if *out != "" {
		cfg.Output = *out
	}
	if *debugMode {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Ensemble instrument v%s", version))
	pterm.Println()

	switch {
	case *server != "":
		cfg.Server = *server
	case cfg.Server == "":
		// No -server flag and none in the config → ask.
		cfg.Server = askServer()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid config: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("instrument stopped")
}

// run joins the conductor and plays until ctx is cancelled.
func run(ctx context.Context, cfg config.Instrument) error {
	link, err := transport.Dial(ctx, cfg.Server, cfg.InboxSize)
	if err != nil {
		return err
	}
	defer link.Close()

	sink := openSink(cfg.Output)
	defer sink.Close()

	clk := clock.New()
	go clock.Run(ctx, clk, cfg.LoopInterval())

	client := instrument.New(link, synth.WithChannel(sink, cfg.Channel), clk, instrument.Config{
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		MaxRetries:       cfg.MaxHandshakeRetries,
		DelayMs:          cfg.DelayMs,
		SendMIDIAck:      cfg.SendMIDIAck,
		LoopInterval:     cfg.LoopInterval(),
	})

	util.LogInfo("joining conductor at %s", link.Remote())
	if err := client.Handshake(ctx); err != nil {
		switch {
		case errors.Is(err, instrument.ErrHandshakeRejected):
			return fmt.Errorf("conductor is full: %w", err)
		case errors.Is(err, instrument.ErrServerUnreachable):
			return fmt.Errorf("conductor did not answer: %w", err)
		}
		return err
	}
	util.LogSuccess("joined, waiting for music")
	util.LogInfo("type \"stop\" to go silent, \"start\" to resume, or a number to set the delay (ms)")

	commands := make(chan string, 16)
	go func() {
		if err := control.Lines(ctx, os.Stdin, commands); err != nil {
			util.LogWarning("stdin: %v", err)
		}
	}()

	util.StartStatsReporter(ctx, 10*time.Second)
	err = client.Run(ctx, commands)

	c := client.Counters
	util.LogEvent("session summary",
		"syncs", c.Syncs, "midi", c.MIDI, "played", c.Played,
		"lost", c.Lost, "stale", c.Stale, "violations", c.Violations)
	return err
}

// openSink opens the named MIDI output, falling back to printing the
// messages when name is "log" or no port can be opened.
func openSink(name string) synth.Sink {
	if name == "log" {
		return &synth.Log{}
	}
	port, err := synth.OpenPort(name)
	if err != nil {
		util.LogWarning("%v", err)
		util.LogWarning("no MIDI output, printing messages instead (run with -debug to see them)")
		return &synth.Log{}
	}
	return port
}

// askServer prompts for the conductor address until a valid one is entered.
func askServer() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Conductor address (host:port)").
			Show()

		addr := strings.TrimSpace(raw)
		if _, err := net.ResolveUDPAddr("udp", addr); err == nil && addr != "" {
			pterm.Println()
			return addr
		}

		pterm.Println()
		util.LogWarning("invalid address: expected host:port")
	}
}
