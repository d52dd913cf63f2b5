// Package message implements the reliable ordered message queue of
// spec.md §4.6: a send queue with measured bit cost and resend timing,
// ack-driven release, and a strictly in-order receive queue. Block
// messages share this same id space (see the block package) but carry
// zero measured bits, since their bytes travel via the fragment
// sub-protocol instead of inline.
package message

import (
	"errors"
	"time"

	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/seqbuffer"
	"github.com/ironwire/netcode/seqnum"
)

var (
	// ErrSendQueueFull is returned by Send when the queue has no free
	// slot at the next send id (spec.md §7 kind 2, protocol misuse).
	ErrSendQueueFull = errors.New("message: send queue full")
	// ErrMeasureFailed names a message whose measured size cannot fit
	// any packet budget (spec.md §7 kind 3). Send does not compare the
	// measured size against a budget and does not return this error; an
	// oversized message is queued like any other.
	ErrMeasureFailed = errors.New("message: measured size exceeds packet budget")
	// ErrDesync is connection-fatal per spec.md §7 kind 4: a received
	// id fell outside the receive window.
	ErrDesync = errors.New("message: receive id outside window (desync)")
)

// Message is anything the channel can queue, measure and deliver. Types
// are represented as a small integer tag resolved through a Factory on
// the receive side, per spec.md §9's "tagged enum plus total create"
// replacement for a virtual packet-type factory.
type Message interface {
	Type() uint32
	Serialize(s *bitstream.Stream) bool
}

// Factory constructs a zero-valued Message for a wire type tag.
type Factory func(msgType uint32) (Message, bool)

// Config bounds the channel's queues and per-message overhead.
type Config struct {
	SendQueueSize  uint16 // must divide 65536; default 1024
	RecvQueueSize  uint16 // must divide 65536; default 256
	MaxMessageType uint32 // bounds the type tag's bit width
	ResendInterval time.Duration
}

type sendEntry struct {
	msg          Message
	measuredBits int
	lastSentTime time.Time
	isBlock      bool
}

type recvEntry struct {
	msg Message
}

// SentPacketEntry records what a sent packet carried, so that an ack
// can release the right send-queue slots (spec.md §3).
type SentPacketEntry struct {
	SentTime       time.Time
	Acked          bool
	IsBlock        bool
	MessageIDs     []uint16
	BlockMessageID uint16
	FragmentID     uint16
}

// Channel is one direction's reliable ordered message queue.
type Channel struct {
	cfg     Config
	factory Factory

	nextSendID      uint16
	oldestUnackedID uint16
	sendQueue       *seqbuffer.Buffer[*sendEntry]

	receiveNext uint16
	recvQueue   *seqbuffer.Buffer[*recvEntry]

	sentPackets *seqbuffer.Buffer[*SentPacketEntry]

	// blockAck, when set, is invoked when an acked packet's
	// SentPacketEntry is tagged IsBlock — the hook block.Channel
	// installs to learn a fragment has been acked.
	blockAck func(blockMessageID, fragmentID uint16)

	err error
}

// New constructs a Channel. sentPacketWindow is the capacity of the
// sent-packet ring, normally reliability.WindowSize (256).
func New(cfg Config, factory Factory, sentPacketWindow uint16) *Channel {
	return &Channel{
		cfg:         cfg,
		factory:     factory,
		sendQueue:   seqbuffer.New[*sendEntry](cfg.SendQueueSize),
		recvQueue:   seqbuffer.New[*recvEntry](cfg.RecvQueueSize),
		sentPackets: seqbuffer.New[*SentPacketEntry](sentPacketWindow),
	}
}

// SetBlockAckHandler installs the callback invoked when a fragment's
// sent-packet entry is acked.
func (c *Channel) SetBlockAckHandler(f func(blockMessageID, fragmentID uint16)) {
	c.blockAck = f
}

// Err returns the latched connection-fatal error, if any.
func (c *Channel) Err() error { return c.err }

func (c *Channel) typeBits() int {
	bits := 0
	n := c.cfg.MaxMessageType
	for n > 0 {
		bits++
		n >>= 1
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// measure computes a message's inline bit cost: the 16-bit id plus the
// type tag plus the serialized body, matching MessageSendEntry's
// measured_bits in spec.md §3.
func (c *Channel) measure(msg Message) int {
	m := bitstream.NewMeasurer()
	var id uint32
	m.SerializeBits(&id, 16)
	t := msg.Type()
	m.SerializeBits(&t, c.typeBits())
	msg.Serialize(m)
	return m.BitsProcessed()
}

// Send enqueues msg at the next send id. Block messages carry
// measuredBits=0 per spec.md §3, since their payload travels via
// fragments rather than inline.
func (c *Channel) Send(msg Message, isBlock bool) (uint16, error) {
	if c.err != nil {
		return 0, c.err
	}
	id := c.nextSendID
	// A slot is free iff the queue hasn't wrapped past capacity.
	if uint16(id-c.oldestUnackedID) >= c.cfg.SendQueueSize {
		return 0, ErrSendQueueFull
	}

	bits := 0
	if !isBlock {
		bits = c.measure(msg)
	}
	c.sendQueue.Insert(id, &sendEntry{
		msg:          msg,
		measuredBits: bits,
		isBlock:      isBlock,
	})
	c.nextSendID++
	return id, nil
}

// OldestUnacked returns the oldest not-yet-released send-queue entry, if any.
func (c *Channel) OldestUnacked() (id uint16, isBlock bool, msg Message, ok bool) {
	entry, found := c.sendQueue.Find(c.oldestUnackedID)
	if !found {
		return 0, false, nil, false
	}
	return c.oldestUnackedID, (*entry).isBlock, (*entry).msg, true
}

// Candidate describes one message selected for inline inclusion.
type Candidate struct {
	ID      uint16
	Message Message
}

// SelectForSend walks [oldestUnackedID, nextSendID) picking due,
// budget-fitting, non-block entries, stopping per spec.md §4.6: budget
// exhausted, max-per-packet reached, or an unacked block head reached.
func (c *Channel) SelectForSend(now time.Time, budgetBits, maxPerPacket int) []Candidate {
	var out []Candidate
	used := 0
	for id := c.oldestUnackedID; id != c.nextSendID; id++ {
		entry, ok := c.sendQueue.Find(id)
		if !ok {
			continue
		}
		if (*entry).isBlock {
			break // blocks and regular messages never share a packet
		}
		if len(out) >= maxPerPacket {
			break
		}
		if now.Sub((*entry).lastSentTime) < c.cfg.ResendInterval && !(*entry).lastSentTime.IsZero() {
			continue
		}
		if used+(*entry).measuredBits > budgetBits {
			break
		}
		used += (*entry).measuredBits
		out = append(out, Candidate{ID: id, Message: (*entry).msg})
		(*entry).lastSentTime = now
	}
	return out
}

// MarkSent records which message ids packetSeq carried, so a later ack
// can release them.
func (c *Channel) MarkSent(packetSeq uint16, ids []uint16, now time.Time) {
	c.sentPackets.Insert(packetSeq, &SentPacketEntry{
		SentTime:   now,
		MessageIDs: ids,
	})
}

// MarkFragmentSent records that packetSeq carried a fragment of the
// given block message, for block.Channel's use.
func (c *Channel) MarkFragmentSent(packetSeq uint16, blockMessageID, fragmentID uint16, now time.Time) {
	c.sentPackets.Insert(packetSeq, &SentPacketEntry{
		SentTime:       now,
		IsBlock:        true,
		BlockMessageID: blockMessageID,
		FragmentID:     fragmentID,
	})
}

// OnAck releases every message id the acked packet carried (or, for a
// fragment entry, forwards to the installed block-ack handler), then
// advances oldestUnackedID to the smallest id still present.
func (c *Channel) OnAck(packetSeq uint16) {
	entry, ok := c.sentPackets.Find(packetSeq)
	if !ok {
		return
	}
	e := *entry
	if e.Acked {
		return
	}
	e.Acked = true
	if e.IsBlock {
		if c.blockAck != nil {
			c.blockAck(e.BlockMessageID, e.FragmentID)
		}
	} else {
		for _, id := range e.MessageIDs {
			c.sendQueue.Remove(id)
		}
		c.advanceOldestUnacked()
	}
}

// Release removes id from the send queue unconditionally (used by
// block.Channel once every fragment of a block has been acked) and
// advances oldestUnackedID.
func (c *Channel) Release(id uint16) {
	c.sendQueue.Remove(id)
	c.advanceOldestUnacked()
}

func (c *Channel) advanceOldestUnacked() {
	for c.oldestUnackedID != c.nextSendID {
		if _, ok := c.sendQueue.Find(c.oldestUnackedID); ok {
			break
		}
		c.oldestUnackedID++
	}
}

// ReceiveNextID returns the id the receive cursor currently expects.
func (c *Channel) ReceiveNextID() uint16 { return c.receiveNext }

// ReceiveMessage inserts an incoming message into the receive queue:
// stale ids (before receive_next, including duplicates of already
// delivered messages) are dropped silently, ids beyond the receive
// window latch ErrDesync (spec.md §3 invariant), duplicates still
// buffered are ignored. Uses modular half-range comparisons rather than
// a raw diff so a stale duplicate can never be mistaken for a desync
// once receive_next has advanced past it.
func (c *Channel) ReceiveMessage(id uint16, msg Message) error {
	if c.err != nil {
		return c.err
	}
	if seqnum.LessThan(id, c.receiveNext) {
		return nil // stale: already delivered or otherwise behind the cursor
	}
	maxID := c.receiveNext + c.cfg.RecvQueueSize - 1
	if seqnum.GreaterThan(id, maxID) {
		c.err = ErrDesync
		return c.err
	}
	if _, ok := c.recvQueue.Find(id); ok {
		return nil
	}
	c.recvQueue.Insert(id, &recvEntry{msg: msg})
	return nil
}

// ReceiveNextMessage returns and pops the message at receive_next, if
// present, advancing the cursor. Strictly in-order delivery: a gap at
// receive_next yields (nil, false) even if later ids are buffered.
func (c *Channel) ReceiveNextMessage() (Message, bool) {
	entry, ok := c.recvQueue.Find(c.receiveNext)
	if !ok {
		return nil, false
	}
	msg := (*entry).msg
	c.recvQueue.Remove(c.receiveNext)
	c.receiveNext++
	return msg, true
}

// MessageFactory exposes the configured message factory for use by higher
// layers (e.g. block.Channel constructing the assembled block message).
func (c *Channel) MessageFactory() Factory { return c.factory }
