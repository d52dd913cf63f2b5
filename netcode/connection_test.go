package netcode

import (
	"bytes"
	"testing"
	"time"

	"github.com/ironwire/netcode/aead"
	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/block"
	"github.com/ironwire/netcode/message"
)

type chatMessage struct {
	text string
}

func (m *chatMessage) Type() uint32 { return 1 }

func (m *chatMessage) Serialize(s *bitstream.Stream) bool {
	b := []byte(m.text)
	n := len(b)
	if s.Mode() != bitstream.ModeRead {
		nn := int64(n)
		s.SerializeInt(&nn, 0, 255)
	} else {
		var nn int64
		s.SerializeInt(&nn, 0, 255)
		b = make([]byte, nn)
	}
	s.SerializeBytes(b)
	if s.Mode() == bitstream.ModeRead {
		m.text = string(b)
	}
	return s.Ok()
}

func chatFactory(msgType uint32) (message.Message, bool) {
	if msgType != 1 {
		return nil, false
	}
	return &chatMessage{}, true
}

func testPairConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxMessageType = 4
	return cfg
}

// newConnectedPair builds a client/server Connection pair that share a
// single chacha20poly1305 key in each direction, as if a handshake had
// already completed and handed out session keys.
func newConnectedPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	a, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := testPairConfig()
	client = New(cfg, a, b, chatFactory)
	server = New(cfg, b, a, chatFactory)
	return client, server
}

func TestRoundTripDeliversReliableMessage(t *testing.T) {
	client, server := newConnectedPair(t)

	if _, err := client.SendMessage(&chatMessage{text: "hello"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	now := time.Now()
	packet, err := client.WritePacket(now)
	if err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	if err := server.ReadPacket(now, packet); err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	msg, ok := server.ReceiveMessage()
	if !ok {
		t.Fatal("expected a delivered message")
	}
	if msg.(*chatMessage).text != "hello" {
		t.Fatalf("got text %q, want %q", msg.(*chatMessage).text, "hello")
	}
}

func TestAckReleasesSendQueueEntry(t *testing.T) {
	client, server := newConnectedPair(t)

	if _, err := client.SendMessage(&chatMessage{text: "ping"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	now := time.Now()
	packet, err := client.WritePacket(now)
	if err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := server.ReadPacket(now, packet); err != nil {
		t.Fatalf("server ReadPacket: %v", err)
	}

	// The server's next outgoing packet carries an ack for the
	// client's first packet; the client must release its send-queue
	// entry upon receiving it.
	now = now.Add(100 * time.Millisecond)
	reply, err := server.WritePacket(now)
	if err != nil {
		t.Fatalf("server WritePacket: %v", err)
	}
	if err := client.ReadPacket(now, reply); err != nil {
		t.Fatalf("client ReadPacket: %v", err)
	}

	if _, _, _, ok := client.messages.OldestUnacked(); ok {
		t.Fatal("expected client's send queue to be empty after the ack round trip")
	}
}

func TestBlockMessageRoundTrips(t *testing.T) {
	client, server := newConnectedPair(t)

	payload := bytes.Repeat([]byte("x"), client.cfg.FragmentSize*3+17)
	if _, err := client.SendBlock(2, payload); err != nil {
		t.Fatalf("SendBlock: %v", err)
	}

	numFragments := (len(payload) + client.cfg.FragmentSize - 1) / client.cfg.FragmentSize
	now := time.Now()
	for i := 0; i < numFragments; i++ {
		now = now.Add(10 * time.Millisecond)
		packet, err := client.WritePacket(now)
		if err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
		if err := server.ReadPacket(now, packet); err != nil {
			t.Fatalf("server ReadPacket: %v", err)
		}
	}

	msg, ok := server.ReceiveMessage()
	if !ok {
		t.Fatal("expected the assembled block to be delivered")
	}
	raw, ok := msg.(interface{ Data() []byte })
	if !ok {
		t.Fatalf("expected delivered message to expose Data(), got %T", msg)
	}
	if !bytes.Equal(raw.Data(), payload) {
		t.Fatal("reassembled block payload did not match what was sent")
	}
}

// TestFragmentDeclaringOversizedReassemblyIsRejected crafts a fragment
// header whose declared NumFragments, times the configured fragment
// size, exceeds MaxBlockSize, and asserts the connection latches
// ErrOutOfMemory instead of letting block.Channel allocate the buffer.
func TestFragmentDeclaringOversizedReassemblyIsRejected(t *testing.T) {
	a, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := testPairConfig()
	cfg.MaxFragments = 8
	cfg.FragmentSize = 16
	cfg.MaxBlockSize = 32 // far smaller than MaxFragments*FragmentSize
	server := New(cfg, b, a, chatFactory)

	s := bitstream.NewWriter(cfg.MaxPacketSize)
	seqv, ackv := uint32(0), uint32(0)
	var ackBits uint32
	s.SerializeBits(&seqv, 16)
	s.SerializeBits(&ackv, 16)
	s.SerializeBits(&ackBits, 32)
	hm := false
	s.SerializeBool(&hm)
	hf := true
	s.SerializeBool(&hf)
	frag := block.OutgoingFragment{
		BlockMessageID: 0,
		NumFragments:   cfg.MaxFragments, // within range, but * FragmentSize > MaxBlockSize
		FragmentID:     0,
		FragmentBytes:  16,
		Payload:        make([]byte, 16),
		MsgType:        func() *uint32 { v := uint32(2); return &v }(),
	}
	if !writeFragment(s, frag, cfg.MaxFragments, cfg.FragmentSize, server.typeBits()) {
		t.Fatal("writeFragment failed to build the crafted packet")
	}
	if !s.Ok() {
		t.Fatal("crafted stream not ok")
	}
	ciphertext, err := aead.Encrypt(s.Bytes(), 0, a)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := server.ReadPacket(time.Now(), ciphertext); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if server.Err() != ErrOutOfMemory {
		t.Fatalf("expected latched ErrOutOfMemory, got %v", server.Err())
	}
}

func TestAcksProcessBeforeMessageReceiveWithinOnePacket(t *testing.T) {
	client, server := newConnectedPair(t)

	// Prime the client's send queue so the first packet it writes
	// after receiving this packet carries something to release.
	if _, err := client.SendMessage(&chatMessage{text: "outbound"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	now := time.Now()
	primer, err := client.WritePacket(now)
	if err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := server.ReadPacket(now, primer); err != nil {
		t.Fatalf("server ReadPacket: %v", err)
	}

	// The server's reply both acks the client's message and carries a
	// message of its own. The client must release its send-queue entry
	// as part of the same ReadPacket call that delivers the message.
	if _, err := server.SendMessage(&chatMessage{text: "inbound"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	now = now.Add(100 * time.Millisecond)
	reply, err := server.WritePacket(now)
	if err != nil {
		t.Fatalf("server WritePacket: %v", err)
	}
	if err := client.ReadPacket(now, reply); err != nil {
		t.Fatalf("client ReadPacket: %v", err)
	}

	if _, _, _, ok := client.messages.OldestUnacked(); ok {
		t.Fatal("expected ack processing to have released the send-queue entry")
	}
	msg, ok := client.ReceiveMessage()
	if !ok || msg.(*chatMessage).text != "inbound" {
		t.Fatalf("expected delivered message %q, got %+v ok=%v", "inbound", msg, ok)
	}
}
