// Package reliability implements the per-direction ack header exchange
// described in spec.md §4.5: a 16-bit send sequence, a 32-bit ack-bits
// bitmap riding on every outgoing packet, and the sent/received packet
// rings needed to compute it. Grounded on the sequence-ring bookkeeping
// in other_examples' reliable.io-style Conn (track write / track read /
// prepare ack bits), adapted onto seqbuffer.Buffer instead of raw slices.
package reliability

import (
	"github.com/ironwire/netcode/seqbuffer"
)

// WindowSize is the fixed capacity of the sent/received packet rings
// (spec.md §6 default: 256).
const WindowSize = 256

// AckBits is the number of trailing sequences (ack, ack-1, ..., ack-31)
// encoded in the ack bitmap.
const AckBits = 32

// SentEntry is the per-sent-packet bookkeeping the ack system needs.
// What a packet carried is not stored here; message.SentPacketEntry
// keeps that in message.Channel's own ring keyed by the same sequence.
type SentEntry struct {
	Acked bool
}

// Endpoint tracks one direction's sequence counter plus both rings, and
// computes/consumes the (ack, ackBits) header on every packet.
type Endpoint struct {
	sendSequence uint16
	sent         *seqbuffer.Buffer[SentEntry]
	recv         *seqbuffer.Buffer[struct{}]
}

// NewEndpoint constructs an Endpoint with WindowSize-capacity rings.
func NewEndpoint() *Endpoint {
	return &Endpoint{
		sent: seqbuffer.New[SentEntry](WindowSize),
		recv: seqbuffer.New[struct{}](WindowSize),
	}
}

// NextSendSequence returns the sequence the next outgoing packet should
// use, and records it as sent (unacked) in the ring.
func (e *Endpoint) NextSendSequence() uint16 {
	s := e.sendSequence
	e.sendSequence++
	e.sent.Insert(s, SentEntry{})
	return s
}

// SentRing exposes the sent-packet ring so higher layers (message,
// block) can attach their own per-sequence payload via a parallel
// seqbuffer keyed the same way.
func (e *Endpoint) SentRing() *seqbuffer.Buffer[SentEntry] { return e.sent }

// AckHeader computes this endpoint's current (ack, ackBits) to attach to
// the next outgoing packet, reflecting the most recently inserted
// received sequence per spec.md §5.
func (e *Endpoint) AckHeader() (ack uint16, ackBits uint32) {
	ack = e.recv.Sequence() - 1
	for i := uint16(0); i < AckBits; i++ {
		if _, ok := e.recv.Find(ack - i); ok {
			ackBits |= 1 << i
		}
	}
	return ack, ackBits
}

// OnReceive records sequence s as received (idempotent on duplicates).
func (e *Endpoint) OnReceive(s uint16) {
	e.recv.Insert(s, struct{}{})
}

// ProcessAck walks ack/ackBits, marking each newly-acked sent sequence
// acked at most once and invoking onAck for each one newly acked — the
// hook message.Channel and block.Channel use to release queue entries.
func (e *Endpoint) ProcessAck(ack uint16, ackBits uint32, onAck func(sequence uint16)) {
	for i := uint16(0); i < AckBits; i++ {
		if ackBits&(1<<i) == 0 {
			continue
		}
		seq := ack - i
		entry, ok := e.sent.Find(seq)
		if !ok || entry.Acked {
			continue
		}
		entry.Acked = true
		if onAck != nil {
			onAck(seq)
		}
	}
	e.sent.RemoveOld(e.sent.Sequence() - 1)
}
