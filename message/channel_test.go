package message

import (
	"testing"
	"time"

	"github.com/ironwire/netcode/bitstream"
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

func testFactory(msgType uint32) (Message, bool) {
	if msgType != 1 {
		return nil, false
	}
	return &chatMessage{}, true
}

func testConfig() Config {
	return Config{
		SendQueueSize:  1024,
		RecvQueueSize:  256,
		MaxMessageType: 4,
		ResendInterval: 100 * time.Millisecond,
	}
}

func TestSendSelectAckReleases(t *testing.T) {
	c := New(testConfig(), testFactory, 256)

	id, err := c.Send(&chatMessage{text: "hello"}, false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	now := time.Now()
	cands := c.SelectForSend(now, 100000, 64)
	if len(cands) != 1 || cands[0].ID != id {
		t.Fatalf("expected to select message %d, got %+v", id, cands)
	}

	c.MarkSent(7, []uint16{id}, now)
	c.OnAck(7)

	if _, _, _, ok := c.OldestUnacked(); ok {
		t.Fatal("expected send queue empty after ack")
	}

	// A second ack delivery of the same packet sequence must not panic
	// or re-fire release logic on an already-empty queue.
	c.OnAck(7)
}

func TestSelectForSendStopsAtBudget(t *testing.T) {
	c := New(testConfig(), testFactory, 256)
	for i := 0; i < 5; i++ {
		if _, err := c.Send(&chatMessage{text: "x"}, false); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	oneMsgBits := c.measure(&chatMessage{text: "x"})
	now := time.Now()
	cands := c.SelectForSend(now, oneMsgBits*3, 64)
	if len(cands) != 3 {
		t.Fatalf("expected 3 messages to fit budget, got %d", len(cands))
	}
}

func TestSelectForSendStopsAtBlockHead(t *testing.T) {
	c := New(testConfig(), testFactory, 256)
	c.Send(&chatMessage{text: "before"}, false)
	c.Send(&chatMessage{text: "block"}, true)
	c.Send(&chatMessage{text: "after"}, false)

	now := time.Now()
	cands := c.SelectForSend(now, 1<<20, 64)
	if len(cands) != 1 {
		t.Fatalf("expected selection to stop before the block entry, got %d candidates", len(cands))
	}
}

func TestReceiveStrictOrdering(t *testing.T) {
	c := New(testConfig(), testFactory, 256)

	if err := c.ReceiveMessage(1, &chatMessage{text: "second"}); err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if _, ok := c.ReceiveNextMessage(); ok {
		t.Fatal("expected no deliverable message while id 0 is missing")
	}

	if err := c.ReceiveMessage(0, &chatMessage{text: "first"}); err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}

	msg, ok := c.ReceiveNextMessage()
	if !ok || msg.(*chatMessage).text != "first" {
		t.Fatalf("expected first message to be delivered first, got %+v ok=%v", msg, ok)
	}
	msg, ok = c.ReceiveNextMessage()
	if !ok || msg.(*chatMessage).text != "second" {
		t.Fatalf("expected second message delivered next, got %+v ok=%v", msg, ok)
	}
}

func TestReceiveBeyondWindowDesyncs(t *testing.T) {
	cfg := testConfig()
	cfg.RecvQueueSize = 8
	c := New(cfg, testFactory, 256)

	if err := c.ReceiveMessage(100, &chatMessage{text: "too far"}); err != ErrDesync {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
	if c.Err() != ErrDesync {
		t.Fatalf("expected latched error ErrDesync, got %v", c.Err())
	}
}

func TestReceiveDuplicateAfterDeliveryIsDroppedSilently(t *testing.T) {
	c := New(testConfig(), testFactory, 256)

	if err := c.ReceiveMessage(0, &chatMessage{text: "first"}); err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if _, ok := c.ReceiveNextMessage(); !ok {
		t.Fatal("expected message 0 to be deliverable")
	}

	// A duplicate UDP delivery of the same, already-popped id must be
	// dropped silently, not latch ErrDesync.
	if err := c.ReceiveMessage(0, &chatMessage{text: "first"}); err != nil {
		t.Fatalf("expected stale duplicate to be dropped without error, got %v", err)
	}
	if c.Err() != nil {
		t.Fatalf("expected no latched error, got %v", c.Err())
	}
}

func TestSendQueueFullRejected(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 2
	c := New(cfg, testFactory, 256)

	if _, err := c.Send(&chatMessage{text: "a"}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(&chatMessage{text: "b"}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(&chatMessage{text: "c"}, false); err != ErrSendQueueFull {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
}
