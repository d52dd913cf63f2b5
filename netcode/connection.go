// Package netcode assembles the pieces built elsewhere in this module
// into the single unified wire packet of spec.md §4.8: an ack header,
// an optional batch of reliable messages, and an optional block
// fragment, multiplexed one-or-the-other per tick. It is the
// connection engine named in spec.md §1.
package netcode

import (
	"time"

	"github.com/ironwire/netcode/aead"
	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/block"
	"github.com/ironwire/netcode/message"
	"github.com/ironwire/netcode/reliability"
)

// debugCheckMagic is the sentinel SerializeCheck writes and verifies
// between the ack header and the message/fragment sections when
// Config.DebugChecks is set.
const debugCheckMagic = 0x3E55A6E0

func bitsRequired(n uint64) int {
	bits := 0
	for n > 0 {
		bits++
		n >>= 1
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// Connection is one endpoint's connection-fatal-aware engine: it owns
// the ack endpoint, the message channel and the block channel for a
// single peer, and serializes/deserializes ConnectionPackets against
// them. Both directions share one Connection — spec.md §5's "connection
// thread" owns all of it exclusively, with no cross-connection sharing.
type Connection struct {
	cfg Config

	endpoint *reliability.Endpoint
	messages *message.Channel
	blocks   *block.Channel

	sendKey aead.Key
	recvKey aead.Key

	err error
}

// New constructs a Connection. factory resolves reliable message type
// tags on the receive side, per spec.md §9's total-factory-function
// replacement for a virtual packet constructor.
func New(cfg Config, sendKey, recvKey aead.Key, factory message.Factory) *Connection {
	messages := message.New(message.Config{
		SendQueueSize:  cfg.SendQueueSize,
		RecvQueueSize:  cfg.RecvQueueSize,
		MaxMessageType: cfg.MaxMessageType,
		ResendInterval: cfg.MessageResendRate,
	}, factory, reliability.WindowSize)

	blocks := block.New(block.Config{
		FragmentSize:   cfg.FragmentSize,
		MaxFragments:   cfg.MaxFragments,
		MaxBlockSize:   cfg.MaxBlockSize,
		ResendInterval: cfg.FragmentResendRate,
	}, messages)

	return &Connection{
		cfg:      cfg,
		endpoint: reliability.NewEndpoint(),
		messages: messages,
		blocks:   blocks,
		sendKey:  sendKey,
		recvKey:  recvKey,
	}
}

// Err reports the latched connection-fatal error, if any (spec.md §7
// kind 4: MessageDesync from either the message or block channel).
func (c *Connection) Err() error { return c.err }

// SendMessage enqueues an ordinary reliable message.
func (c *Connection) SendMessage(msg message.Message) (uint16, error) {
	return c.messages.Send(msg, false)
}

// SendBlock enqueues a block message, fragmented on the wire.
func (c *Connection) SendBlock(msgType uint32, data []byte) (uint16, error) {
	return c.blocks.Send(msgType, data)
}

// ReceiveMessage pops the next in-order delivered message, if any.
func (c *Connection) ReceiveMessage() (message.Message, bool) {
	return c.messages.ReceiveNextMessage()
}

func (c *Connection) typeBits() int { return bitsRequired(uint64(c.cfg.MaxMessageType)) }

// writeMessageBatch serializes the batched header and per-message id,
// type and body arrays, per spec.md §4.6's wire format.
func writeMessageBatch(s *bitstream.Stream, cands []message.Candidate, maxPerPacket, typeBits int) bool {
	count := int64(len(cands) - 1)
	if !s.SerializeInt(&count, 0, int64(maxPerPacket-1)) {
		return false
	}
	for _, cand := range cands {
		id := uint32(cand.ID)
		if !s.SerializeBits(&id, 16) {
			return false
		}
	}
	for _, cand := range cands {
		t := cand.Message.Type()
		if !s.SerializeBits(&t, typeBits) {
			return false
		}
	}
	for _, cand := range cands {
		if !cand.Message.Serialize(s) {
			return false
		}
	}
	return true
}

type decodedMessage struct {
	id  uint16
	msg message.Message
}

// readMessageBatch mirrors writeMessageBatch, constructing each
// message via factory before its body is parsed.
func readMessageBatch(s *bitstream.Stream, maxPerPacket, typeBits int, factory message.Factory) ([]decodedMessage, bool) {
	var count int64
	if !s.SerializeInt(&count, 0, int64(maxPerPacket-1)) {
		return nil, false
	}
	n := int(count) + 1
	ids := make([]uint16, n)
	for i := range ids {
		var id uint32
		if !s.SerializeBits(&id, 16) {
			return nil, false
		}
		ids[i] = uint16(id)
	}
	types := make([]uint32, n)
	for i := range types {
		var t uint32
		if !s.SerializeBits(&t, typeBits) {
			return nil, false
		}
		types[i] = t
	}
	out := make([]decodedMessage, n)
	for i := 0; i < n; i++ {
		msg, ok := factory(types[i])
		if !ok || msg == nil {
			return nil, false
		}
		if !msg.Serialize(s) {
			return nil, false
		}
		out[i] = decodedMessage{id: ids[i], msg: msg}
	}
	return out, true
}

func writeFragment(s *bitstream.Stream, frag block.OutgoingFragment, maxFragments, fragmentSize, typeBits int) bool {
	id := uint32(frag.BlockMessageID)
	if !s.SerializeBits(&id, 16) {
		return false
	}
	numFragments := int64(frag.NumFragments)
	if !s.SerializeInt(&numFragments, 1, int64(maxFragments)) {
		return false
	}
	if frag.NumFragments > 1 {
		fragID := int64(frag.FragmentID)
		if !s.SerializeInt(&fragID, 0, int64(frag.NumFragments-1)) {
			return false
		}
	}
	fbytes := int64(frag.FragmentBytes)
	if !s.SerializeInt(&fbytes, 1, int64(fragmentSize)) {
		return false
	}
	payload := frag.Payload
	if !s.SerializeBytes(payload) {
		return false
	}
	if frag.FragmentID == 0 {
		mt := *frag.MsgType
		if !s.SerializeBits(&mt, typeBits) {
			return false
		}
	}
	return true
}

type decodedFragment struct {
	blockMsgID   uint16
	numFragments int
	fragmentID   int
	fragBytes    int
	payload      []byte
	msgType      *uint32
}

func readFragment(s *bitstream.Stream, maxFragments, fragmentSize, typeBits int) (decodedFragment, bool) {
	var out decodedFragment
	var id uint32
	if !s.SerializeBits(&id, 16) {
		return out, false
	}
	out.blockMsgID = uint16(id)

	var numFragments int64
	if !s.SerializeInt(&numFragments, 1, int64(maxFragments)) {
		return out, false
	}
	out.numFragments = int(numFragments)

	if out.numFragments > 1 {
		var fragID int64
		if !s.SerializeInt(&fragID, 0, numFragments-1) {
			return out, false
		}
		out.fragmentID = int(fragID)
	}

	var fbytes int64
	if !s.SerializeInt(&fbytes, 1, int64(fragmentSize)) {
		return out, false
	}
	out.fragBytes = int(fbytes)

	payload := make([]byte, out.fragBytes)
	if !s.SerializeBytes(payload) {
		return out, false
	}
	out.payload = payload

	if out.fragmentID == 0 {
		var mt uint32
		if !s.SerializeBits(&mt, typeBits) {
			return out, false
		}
		out.msgType = &mt
	}
	return out, true
}

// WritePacket builds and encrypts the next outgoing ConnectionPacket,
// filling at most one of the messages/fragment sections per spec.md
// §4.8.
func (c *Connection) WritePacket(now time.Time) ([]byte, error) {
	seq := c.endpoint.NextSendSequence()
	ack, ackBits := c.endpoint.AckHeader()

	s := bitstream.NewWriter(c.cfg.MaxPacketSize)
	seqv := uint32(seq)
	ackv := uint32(ack)
	s.SerializeBits(&seqv, 16)
	s.SerializeBits(&ackv, 16)
	s.SerializeBits(&ackBits, 32)
	if c.cfg.DebugChecks {
		s.SerializeCheck(debugCheckMagic)
	}

	var frag block.OutgoingFragment
	hasFragment := false
	if c.blocks.InFlight() {
		frag, hasFragment = c.blocks.NextFragment(now)
	}

	var cands []message.Candidate
	hasMessages := false
	if !hasFragment {
		used := s.BitsProcessed()
		budget := c.cfg.MaxPacketSize*8 - used - 64 // headroom for the two has-flags and trailers
		cands = c.messages.SelectForSend(now, budget, c.cfg.MaxMessagesPerPacket)
		hasMessages = len(cands) > 0
	}

	hm := hasMessages
	if !s.SerializeBool(&hm) {
		return nil, bitstream.ErrOverflow
	}
	if hasMessages {
		if !writeMessageBatch(s, cands, c.cfg.MaxMessagesPerPacket, c.typeBits()) {
			return nil, bitstream.ErrOverflow
		}
	}

	hf := hasFragment
	if !s.SerializeBool(&hf) {
		return nil, bitstream.ErrOverflow
	}
	if hasFragment {
		if !writeFragment(s, frag, c.cfg.MaxFragments, c.cfg.FragmentSize, c.typeBits()) {
			return nil, bitstream.ErrOverflow
		}
	}

	if !s.Ok() {
		return nil, bitstream.ErrOverflow
	}

	plaintext := s.Bytes()
	ciphertext, err := aead.Encrypt(plaintext, uint64(seq), c.sendKey)
	if err != nil {
		return nil, err
	}

	if hasMessages {
		ids := make([]uint16, len(cands))
		for i, cand := range cands {
			ids[i] = cand.ID
		}
		c.messages.MarkSent(seq, ids, now)
	}
	if hasFragment {
		c.blocks.MarkFragmentSent(seq, frag.FragmentID, now)
	}

	return ciphertext, nil
}

// ReadPacket decrypts and parses an incoming datagram, processing acks
// before message/fragment receives per spec.md §5's ordering
// guarantee. A nil return covers both a processed datagram and one
// silently dropped per spec.md §7 (bad auth tag or malformed body); a
// non-nil error means the connection is now in the fatal state spec.md
// §7 describes.
func (c *Connection) ReadPacket(now time.Time, data []byte) error {
	if c.err != nil {
		return c.err
	}

	plaintext, _, err := aead.Decrypt(data, c.recvKey)
	if err != nil {
		return nil // transient drop: bad auth tag
	}

	s := bitstream.NewReader(plaintext)
	var seqv, ackv, ackBits uint32
	s.SerializeBits(&seqv, 16)
	s.SerializeBits(&ackv, 16)
	s.SerializeBits(&ackBits, 32)
	if c.cfg.DebugChecks && !s.SerializeCheck(debugCheckMagic) {
		return nil // frame desynced before the debug checkpoint: transient drop
	}

	var hasMessages bool
	s.SerializeBool(&hasMessages)
	var msgs []decodedMessage
	if hasMessages {
		var ok bool
		msgs, ok = readMessageBatch(s, c.cfg.MaxMessagesPerPacket, c.typeBits(), c.messages.MessageFactory())
		if !ok {
			return nil // malformed message batch: transient drop
		}
	}

	var hasFragment bool
	s.SerializeBool(&hasFragment)
	var frag decodedFragment
	if hasFragment {
		frag, _ = readFragment(s, c.cfg.MaxFragments, c.cfg.FragmentSize, c.typeBits())
	}

	if !s.Ok() {
		return nil // malformed body: transient drop
	}

	// A peer-declared fragment count that would make the reassembly
	// buffer exceed the configured block budget is rejected before
	// block.Channel ever allocates it, per spec.md §7 kind 4 OutOfMemory.
	if hasFragment && frag.numFragments*c.cfg.FragmentSize > c.cfg.MaxBlockSize {
		c.err = ErrOutOfMemory
		return c.err
	}

	// Acks before receives, per spec.md §5.
	c.endpoint.ProcessAck(uint16(ackv), ackBits, c.messages.OnAck)
	c.endpoint.OnReceive(uint16(seqv))

	if hasMessages {
		for _, m := range msgs {
			if err := c.messages.ReceiveMessage(m.id, m.msg); err != nil {
				c.err = err
				return err
			}
		}
	}
	if hasFragment {
		if err := c.blocks.OnFragment(frag.blockMsgID, frag.numFragments, frag.fragmentID, frag.fragBytes, frag.payload, frag.msgType); err != nil {
			c.err = err
			return err
		}
	}

	return nil
}
