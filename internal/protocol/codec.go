package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket is returned (wrapped) for any buffer that cannot be
// decoded into a well-typed packet.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrTooManyEvents is returned by Encode when a packet holds more than
// MaxEvents events.
var ErrTooManyEvents = errors.New("too many events for one packet")

// PutHeader writes h into buf[0:HeaderSize].
func PutHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.SeqNum)
	buf[4] = uint8(h.Flag)
	buf[5] = h.EventCount
}

// EncodeHeader serializes a bare header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

// DecodeHeader deserializes the first HeaderSize bytes of data. It does not
// validate the flag.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short: %d bytes (need %d)", ErrMalformedPacket, len(data), HeaderSize)
	}
	return Header{
		SeqNum:     binary.BigEndian.Uint32(data[0:4]),
		Flag:       Flag(data[4]),
		EventCount: data[5],
	}, nil
}

// PutEvent writes ev into buf[0:EventSize].
func PutEvent(buf []byte, ev Event) {
	buf[0] = ev.Status
	buf[1] = ev.Data1
	buf[2] = ev.Data2
	binary.BigEndian.PutUint32(buf[3:7], ev.TimestampMs)
}

// EncodeEvent serializes a single event record.
func EncodeEvent(ev Event) []byte {
	buf := make([]byte, EventSize)
	PutEvent(buf, ev)
	return buf
}

// DecodeEvent deserializes the first EventSize bytes of data.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) < EventSize {
		return Event{}, fmt.Errorf("%w: event too short: %d bytes (need %d)", ErrMalformedPacket, len(data), EventSize)
	}
	return Event{
		Status:      data[0],
		Data1:       data[1],
		Data2:       data[2],
		TimestampMs: binary.BigEndian.Uint32(data[3:7]),
	}, nil
}

// Encode serializes a packet. For MIDI packets EventCount is taken from
// len(pkt.Events); for every other flag it is written as zero and Events is
// ignored.
func Encode(pkt *Packet) ([]byte, error) {
	h := pkt.Header
	if h.Flag != FlagMIDI {
		h.EventCount = 0
		return EncodeHeader(h), nil
	}

	if len(pkt.Events) > MaxEvents {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyEvents, len(pkt.Events), MaxEvents)
	}
	h.EventCount = uint8(len(pkt.Events))

	buf := make([]byte, HeaderSize+len(pkt.Events)*EventSize)
	PutHeader(buf, h)
	for i, ev := range pkt.Events {
		PutEvent(buf[HeaderSize+i*EventSize:], ev)
	}
	return buf, nil
}

// Decode deserializes a datagram into exactly one typed packet. Trailing
// bytes beyond the declared events are ignored.
func Decode(data []byte) (*Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if !h.Flag.Valid() {
		return nil, fmt.Errorf("%w: unknown flag 0x%02x", ErrMalformedPacket, uint8(h.Flag))
	}

	pkt := &Packet{Header: h}
	if h.Flag != FlagMIDI {
		return pkt, nil
	}

	need := HeaderSize + int(h.EventCount)*EventSize
	if len(data) < need {
		return nil, fmt.Errorf("%w: MIDI packet too short: %d bytes (need %d for %d events)",
			ErrMalformedPacket, len(data), need, h.EventCount)
	}

	pkt.Events = make([]Event, h.EventCount)
	for i := range pkt.Events {
		// Length was checked above.
		pkt.Events[i], _ = DecodeEvent(data[HeaderSize+i*EventSize:])
	}
	return pkt, nil
}
