// Package util provides logging, counters and small helpers shared by the
// conductor and the instruments.
package util

import (
	"hash/fnv"
	"net"
)

// PeerIDFromAddr derives a stable 4-byte identifier from an instrument's
// remote address. The same address always maps to the same id, which lets a
// repeated handshake find its existing session.
func PeerIDFromAddr(addr net.Addr) uint32 {
	h := fnv.New32a()
	h.Write([]byte(addr.Network()))
	h.Write([]byte(addr.String()))
	return h.Sum32()
}
