// Package protocol defines the datagram format shared by the conductor and
// its instruments. Every packet starts with a fixed 6-byte header; MIDI
// packets carry EventCount fixed 7-byte event records right after it.
// All multi-byte fields are big-endian and nothing is padded.
package protocol

import "fmt"

// Flag identifies the kind of packet.
type Flag uint8

// Packet flags. Values match the numbering used by earlier builds so traces
// stay comparable; 0x03/0x04 are retired.
const (
	FlagMIDI    Flag = 0x01 // Timed events for the receiving instrument
	FlagMIDIAck Flag = 0x02 // Instrument acknowledges a MIDI packet
	FlagHS      Flag = 0x05 // Instrument asks to join
	FlagHSGood  Flag = 0x06 // Conductor accepts, sent from the peer's dedicated socket
	FlagHSFail  Flag = 0x07 // Conductor refuses (e.g. full)
	FlagHSFin   Flag = 0x08 // Instrument confirms the handshake
	FlagSync    Flag = 0x09 // Delay probe
	FlagSyncAck Flag = 0x0A // Delay probe reply
)

// Fixed wire sizes.
const (
	HeaderSize = 6 // SeqNum(4) + Flag(1) + EventCount(1)
	EventSize  = 7 // Status(1) + Data1(1) + Data2(1) + TimestampMs(4)

	// MaxEvents is the largest EventCount a header can carry.
	MaxEvents = 255

	// MaxPacketSize bounds every datagram either side will send or read.
	MaxPacketSize = HeaderSize + MaxEvents*EventSize
)

// SeqStride is how far a sender's sequence number advances per packet.
// The conductor numbers odd, instruments number even, so the two directions
// never collide.
const SeqStride = 2

// Header is the fixed prefix of every packet.
type Header struct {
	SeqNum     uint32
	Flag       Flag
	EventCount uint8 // only meaningful when Flag == FlagMIDI
}

// Event is one timed MIDI message.
type Event struct {
	Status      uint8
	Data1       uint8
	Data2       uint8
	TimestampMs uint32 // performance time the event is due at
}

// Packet is one decoded datagram. Events is empty unless Flag == FlagMIDI.
type Packet struct {
	Header
	Events []Event
}

// Message returns the raw 3-byte MIDI message of the event.
func (e Event) Message() []byte {
	return []byte{e.Status, e.Data1, e.Data2}
}

// Valid reports whether f is one of the known flags.
func (f Flag) Valid() bool {
	switch f {
	case FlagMIDI, FlagMIDIAck, FlagHS, FlagHSGood, FlagHSFail, FlagHSFin, FlagSync, FlagSyncAck:
		return true
	}
	return false
}

func (f Flag) String() string {
	switch f {
	case FlagMIDI:
		return "MIDI"
	case FlagMIDIAck:
		return "MIDI_ACK"
	case FlagHS:
		return "HS"
	case FlagHSGood:
		return "HS_GOOD"
	case FlagHSFail:
		return "HS_FAIL"
	case FlagHSFin:
		return "HS_FIN"
	case FlagSync:
		return "SYNC"
	case FlagSyncAck:
		return "SYNC_ACK"
	}
	return fmt.Sprintf("Flag(0x%02x)", uint8(f))
}
