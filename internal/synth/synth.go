// Package synth renders the MIDI messages an instrument receives.
package synth

import (
	"fmt"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/1ureka/ensemble/internal/util"
)

// Sink consumes MIDI messages. timestampMs is the performance time the
// conductor scheduled the message for.
type Sink interface {
	Play(msg []byte, timestampMs uint32) error
	Close() error
}

// ---------------------------------------------------------------------------
// Output port
// ---------------------------------------------------------------------------

// Port sends messages to a MIDI output port through the registered gomidi
// driver. The driver is chosen by the binary with a blank import.
type Port struct {
	out  drivers.Out
	send func(midi.Message) error
}

// OpenPort opens the output port whose name contains name, or the first
// port when name is empty.
func OpenPort(name string) (*Port, error) {
	var (
		out drivers.Out
		err error
	)
	if name == "" {
		out, err = midi.OutPort(0)
	} else {
		out, err = midi.FindOutPort(name)
	}
	if err != nil {
		return nil, fmt.Errorf("find MIDI output %q: %w (available: %s)", name, err, midi.GetOutPorts())
	}

	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open MIDI output %s: %w", out, err)
	}
	util.LogInfo("MIDI output: %s", out)
	return &Port{out: out, send: send}, nil
}

func (p *Port) Play(msg []byte, _ uint32) error {
	return p.send(midi.Message(msg))
}

func (p *Port) Close() error {
	return p.out.Close()
}

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// Log prints every message instead of sounding it. Used when no output port
// is available.
type Log struct {
	played atomic.Int64
}

func (l *Log) Play(msg []byte, timestampMs uint32) error {
	l.played.Add(1)
	util.LogDebug("♪ %6d ms  %s", timestampMs, midi.Message(msg))
	return nil
}

func (l *Log) Close() error {
	util.LogInfo("played %d message(s)", l.played.Load())
	return nil
}

// Played returns the number of messages seen.
func (l *Log) Played() int64 { return l.played.Load() }

// ---------------------------------------------------------------------------
// Channel override
// ---------------------------------------------------------------------------

type channelSink struct {
	Sink
	channel uint8
}

// WithChannel rewrites the channel of every channel voice message to ch
// (0-15) before passing it on. A negative ch returns s unchanged.
func WithChannel(s Sink, ch int) Sink {
	if ch < 0 {
		return s
	}
	return &channelSink{Sink: s, channel: uint8(ch & 0x0F)}
}

func (c *channelSink) Play(msg []byte, timestampMs uint32) error {
	if len(msg) > 0 && msg[0] >= 0x80 && msg[0] < 0xF0 {
		rewritten := append([]byte(nil), msg...)
		rewritten[0] = msg[0]&0xF0 | c.channel
		msg = rewritten
	}
	return c.Sink.Play(msg, timestampMs)
}
