// Package song reads Standard MIDI Files into per-track event lists with
// millisecond timestamps.
package song

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/1ureka/ensemble/internal/protocol"
)

// ErrEmptySong is returned when a file holds no channel messages.
var ErrEmptySong = errors.New("song has no playable events")

// Song is a parsed MIDI file. Tracks without channel messages are left
// out, so track ids are dense.
type Song struct {
	Name   string
	Tracks [][]protocol.Event
}

// Load reads the file at path.
func Load(path string) (*Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open song: %w", err)
	}
	defer f.Close()

	return Read(filepath.Base(path), f)
}

// Read parses an SMF stream. Timestamps are absolute, in milliseconds from
// the start of the song, with tempo changes applied.
func Read(name string, r io.Reader) (*Song, error) {
	byTrack := map[int][]protocol.Event{}
	maxTrack := -1

	err := smf.ReadTracksFrom(r).Do(func(te smf.TrackEvent) {
		ev, ok := toEvent(te.Message, te.AbsMicroSeconds)
		if !ok {
			return
		}
		byTrack[te.TrackNo] = append(byTrack[te.TrackNo], ev)
		maxTrack = max(maxTrack, te.TrackNo)
	}).Error()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	s := &Song{Name: name}
	for i := 0; i <= maxTrack; i++ {
		if events := byTrack[i]; len(events) > 0 {
			s.Tracks = append(s.Tracks, events)
		}
	}
	if len(s.Tracks) == 0 {
		return nil, fmt.Errorf("parse %s: %w", name, ErrEmptySong)
	}
	return s, nil
}

// toEvent keeps channel voice messages only. Meta and sysex events carry
// nothing an instrument can play.
func toEvent(msg []byte, absMicros int64) (protocol.Event, bool) {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return protocol.Event{}, false
	}
	ev := protocol.Event{
		Status:      msg[0],
		TimestampMs: uint32(absMicros / 1000),
	}
	if len(msg) > 1 {
		ev.Data1 = msg[1]
	}
	if len(msg) > 2 {
		ev.Data2 = msg[2]
	}
	return ev, true
}

// Events counts the events over all tracks.
func (s *Song) Events() int {
	n := 0
	for _, t := range s.Tracks {
		n += len(t)
	}
	return n
}

// DurationMs is the timestamp of the last event.
func (s *Song) DurationMs() int64 {
	var d int64
	for _, t := range s.Tracks {
		if len(t) > 0 {
			d = max(d, int64(t[len(t)-1].TimestampMs))
		}
	}
	return d
}
