// Package block implements the fragment sub-protocol of spec.md §4.7:
// a block message — an opaque byte buffer up to 256 KiB — is split into
// fixed-size fragments, each resent independently and tracked in a
// bitmap, then reassembled on the far side and handed to the ordinary
// message receive queue as the next in-order message. Only one block
// is in flight per direction at a time, matching SendBlock/RecvBlock in
// spec.md §3.
package block

import (
	"errors"
	"time"

	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/message"
)

var (
	// ErrBlockInFlight is returned by Send when a prior block has not
	// yet been fully acked.
	ErrBlockInFlight = errors.New("block: a block is already in flight")
	// ErrBlockTooLarge is returned when a block exceeds MaxBlockSize or
	// would need more than MaxFragments fragments.
	ErrBlockTooLarge = errors.New("block: exceeds configured size limit")
	// ErrDesync is connection-fatal per spec.md §4.7 Validation: a
	// fragment id out of range, or fragment metadata disagreeing with
	// the first-seen value for the block.
	ErrDesync = errors.New("block: fragment metadata inconsistent (desync)")
)

// Config bounds fragment size and block/fragment counts.
type Config struct {
	FragmentSize   int
	MaxFragments   int
	MaxBlockSize   int
	ResendInterval time.Duration
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		FragmentSize:   1024,
		MaxFragments:   256,
		MaxBlockSize:   256 * 1024,
		ResendInterval: 100 * time.Millisecond,
	}
}

// rawBlock is the assembled message handed to message.Channel's receive
// queue once every fragment has arrived. Its Serialize is only ever
// exercised if something chooses to re-serialize a block inline, which
// the fragment path itself never does.
type rawBlock struct {
	msgType uint32
	data    []byte
}

func (m *rawBlock) Type() uint32 { return m.msgType }

func (m *rawBlock) Serialize(s *bitstream.Stream) bool {
	return s.SerializeBytes(m.data)
}

// Data returns the assembled block's raw bytes.
func (m *rawBlock) Data() []byte { return m.data }

// RawBlock is the public view of an assembled block message, returned
// to callers pulling it back out of the message channel.
type RawBlock interface {
	message.Message
	Data() []byte
}

type sendState struct {
	active         bool
	id             uint16
	msgType        uint32
	data           []byte
	numFragments   int
	fragmentSentAt []time.Time
	acked          []bool
	ackedCount     int
}

type recvState struct {
	active       bool
	id           uint16
	msgType      uint32
	typeKnown    bool
	numFragments int
	numReceived  int
	blockSize    int
	sizeKnown    bool
	data         []byte
	received     []bool
}

// OutgoingFragment is what Channel hands the connection engine to
// attach to the next ConnectionPacket's fragment section.
type OutgoingFragment struct {
	BlockMessageID uint16
	NumFragments   int
	FragmentID     int
	FragmentBytes  int
	Payload        []byte
	MsgType        *uint32 // present only when FragmentID == 0
}

// Channel drives the fragment sub-protocol for one direction, sharing
// its id space with the owning message.Channel.
type Channel struct {
	cfg Config
	mc  *message.Channel

	send sendState
	recv recvState
}

// New constructs a Channel bound to mc, installing mc's block-ack hook.
func New(cfg Config, mc *message.Channel) *Channel {
	c := &Channel{cfg: cfg, mc: mc}
	mc.SetBlockAckHandler(c.onFragmentAcked)
	return c
}

// Send reserves the next message id for a block message, per spec.md
// §4.7 step 1-2: splits data into ceil(size/FragmentSize) fragments.
func (c *Channel) Send(msgType uint32, data []byte) (uint16, error) {
	if c.send.active {
		return 0, ErrBlockInFlight
	}
	if len(data) > c.cfg.MaxBlockSize {
		return 0, ErrBlockTooLarge
	}
	numFragments := (len(data) + c.cfg.FragmentSize - 1) / c.cfg.FragmentSize
	if numFragments == 0 {
		numFragments = 1
	}
	if numFragments > c.cfg.MaxFragments {
		return 0, ErrBlockTooLarge
	}

	id, err := c.mc.Send(&rawBlock{msgType: msgType, data: data}, true)
	if err != nil {
		return 0, err
	}

	c.send = sendState{
		active:         true,
		id:             id,
		msgType:        msgType,
		data:           data,
		numFragments:   numFragments,
		fragmentSentAt: make([]time.Time, numFragments),
		acked:          make([]bool, numFragments),
	}
	return id, nil
}

// InFlight reports whether a send is currently active.
func (c *Channel) InFlight() bool { return c.send.active }

// NextFragment picks the first unacked, due-for-resend fragment of the
// in-flight block, per spec.md §4.7 step 2.
func (c *Channel) NextFragment(now time.Time) (OutgoingFragment, bool) {
	if !c.send.active {
		return OutgoingFragment{}, false
	}
	for i := 0; i < c.send.numFragments; i++ {
		if c.send.acked[i] {
			continue
		}
		if !c.send.fragmentSentAt[i].IsZero() && now.Sub(c.send.fragmentSentAt[i]) < c.cfg.ResendInterval {
			continue
		}
		start := i * c.cfg.FragmentSize
		end := start + c.cfg.FragmentSize
		if end > len(c.send.data) {
			end = len(c.send.data)
		}
		frag := OutgoingFragment{
			BlockMessageID: c.send.id,
			NumFragments:   c.send.numFragments,
			FragmentID:     i,
			FragmentBytes:  end - start,
			Payload:        c.send.data[start:end],
		}
		if i == 0 {
			mt := c.send.msgType
			frag.MsgType = &mt
		}
		return frag, true
	}
	return OutgoingFragment{}, false
}

// MarkFragmentSent records the fragment as sent at now and tells the
// owning message channel which packet sequence carried it.
func (c *Channel) MarkFragmentSent(packetSeq uint16, fragmentID int, now time.Time) {
	if c.send.active && fragmentID < len(c.send.fragmentSentAt) {
		c.send.fragmentSentAt[fragmentID] = now
	}
	c.mc.MarkFragmentSent(packetSeq, c.send.id, uint16(fragmentID), now)
}

// onFragmentAcked is installed as the message channel's block-ack hook.
// Per spec.md §4.7 step 3: marks the fragment acked, and once every
// fragment is acked releases the block message and clears send state.
func (c *Channel) onFragmentAcked(blockMessageID, fragmentID uint16) {
	if !c.send.active || blockMessageID != c.send.id {
		return
	}
	if int(fragmentID) >= len(c.send.acked) || c.send.acked[fragmentID] {
		return
	}
	c.send.acked[fragmentID] = true
	c.send.ackedCount++
	if c.send.ackedCount == c.send.numFragments {
		c.mc.Release(c.send.id)
		c.send = sendState{}
	}
}

// OnFragment ingests one received fragment, per spec.md §4.7 receive
// side: activates RecvBlock on the first fragment seen for the id
// equal to the channel's current receive cursor, validates fragment
// metadata consistency, and on completion hands the assembled message
// to the owning message channel's receive queue.
func (c *Channel) OnFragment(blockMsgID uint16, numFragments, fragmentID, fragmentBytes int, payload []byte, msgType *uint32) error {
	if fragmentID < 0 || fragmentID >= numFragments || numFragments > c.cfg.MaxFragments {
		return ErrDesync
	}

	if !c.recv.active {
		if blockMsgID != c.mc.ReceiveNextID() {
			return nil // stale or out-of-order id; not this block's turn yet
		}
		c.recv = recvState{
			active:       true,
			id:           blockMsgID,
			numFragments: numFragments,
			data:         make([]byte, numFragments*c.cfg.FragmentSize),
			received:     make([]bool, numFragments),
		}
	} else if c.recv.id != blockMsgID {
		return nil // a fragment of a different block; ignore until current completes
	} else if c.recv.numFragments != numFragments {
		return ErrDesync
	}

	if msgType != nil {
		if c.recv.typeKnown && c.recv.msgType != *msgType {
			return ErrDesync
		}
		c.recv.msgType = *msgType
		c.recv.typeKnown = true
	}

	if !c.recv.received[fragmentID] {
		c.recv.received[fragmentID] = true
		c.recv.numReceived++
		copy(c.recv.data[fragmentID*c.cfg.FragmentSize:], payload)
	}

	if fragmentID == numFragments-1 {
		size := (numFragments-1)*c.cfg.FragmentSize + fragmentBytes
		if c.recv.sizeKnown && c.recv.blockSize != size {
			return ErrDesync
		}
		c.recv.blockSize = size
		c.recv.sizeKnown = true
	}

	if c.recv.numReceived == c.recv.numFragments && c.recv.sizeKnown && c.recv.typeKnown {
		assembled := make([]byte, c.recv.blockSize)
		copy(assembled, c.recv.data[:c.recv.blockSize])
		msg := &rawBlock{msgType: c.recv.msgType, data: assembled}
		id := c.recv.id
		c.recv = recvState{}
		return c.mc.ReceiveMessage(id, msg)
	}
	return nil
}
