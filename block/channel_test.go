package block

import (
	"bytes"
	"testing"
	"time"

	"github.com/ironwire/netcode/message"
)

func testFactory(msgType uint32) (message.Message, bool) { return nil, false }

func newTestChannel(t *testing.T, fragmentSize int) (*Channel, *message.Channel) {
	t.Helper()
	mc := message.New(message.Config{
		SendQueueSize:  1024,
		RecvQueueSize:  256,
		MaxMessageType: 4,
		ResendInterval: 100 * time.Millisecond,
	}, testFactory, 256)
	cfg := DefaultConfig()
	cfg.FragmentSize = fragmentSize
	return New(cfg, mc), mc
}

func TestSendSplitsIntoFragmentsAndTagsFirstWithType(t *testing.T) {
	bc, _ := newTestChannel(t, 4)
	data := []byte("0123456789AB") // 12 bytes / 4 = 3 fragments
	id, err := bc.Send(7, data)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	now := time.Now()
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		frag, ok := bc.NextFragment(now)
		if !ok {
			t.Fatalf("expected fragment %d to be available", i)
		}
		if frag.BlockMessageID != id {
			t.Fatalf("fragment carries wrong block id: %d", frag.BlockMessageID)
		}
		if frag.FragmentID == 0 {
			if frag.MsgType == nil || *frag.MsgType != 7 {
				t.Fatalf("fragment 0 must carry the message type, got %+v", frag.MsgType)
			}
		} else if frag.MsgType != nil {
			t.Fatalf("fragment %d must not carry a message type", frag.FragmentID)
		}
		seen[frag.FragmentID] = true
		bc.MarkFragmentSent(uint16(100+i), frag.FragmentID, now)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct fragment ids, got %d", len(seen))
	}
}

func TestAllFragmentsAckedReleasesBlock(t *testing.T) {
	bc, mc := newTestChannel(t, 4)
	data := []byte("01234567") // 2 fragments
	id, _ := bc.Send(1, data)

	now := time.Now()
	for i := 0; i < 2; i++ {
		frag, ok := bc.NextFragment(now)
		if !ok {
			t.Fatalf("expected fragment %d", i)
		}
		bc.MarkFragmentSent(uint16(i), frag.FragmentID, now)
		mc.OnAck(uint16(i))
	}

	if bc.InFlight() {
		t.Fatal("expected block released after all fragments acked")
	}
	if _, _, _, ok := mc.OldestUnacked(); ok {
		t.Fatal("expected message channel's send queue empty after block release")
	}
	_ = id
}

func TestReassemblyProducesOriginalBytes(t *testing.T) {
	bc, mc := newTestChannel(t, 4)
	original := []byte("hello, block world") // 18 bytes, 5 fragments of 4
	numFragments := (len(original) + 3) / 4

	for i := 0; i < numFragments; i++ {
		start := i * 4
		end := start + 4
		if end > len(original) {
			end = len(original)
		}
		var msgType *uint32
		if i == 0 {
			mt := uint32(3)
			msgType = &mt
		}
		if err := bc.OnFragment(0, numFragments, i, end-start, original[start:end], msgType); err != nil {
			t.Fatalf("OnFragment(%d): %v", i, err)
		}
	}

	msg, ok := mc.ReceiveNextMessage()
	if !ok {
		t.Fatal("expected assembled block delivered to receive queue")
	}
	rb, ok := msg.(RawBlock)
	if !ok {
		t.Fatalf("expected assembled message to satisfy RawBlock, got %T", msg)
	}
	if rb.Type() != 3 {
		t.Fatalf("assembled message type = %d, want 3", rb.Type())
	}
	if !bytes.Equal(rb.Data(), original) {
		t.Fatalf("assembled bytes = %q, want %q", rb.Data(), original)
	}
}

func TestOnFragmentRejectsOutOfRangeID(t *testing.T) {
	bc, _ := newTestChannel(t, 4)
	if err := bc.OnFragment(0, 3, 5, 4, []byte("xxxx"), nil); err != ErrDesync {
		t.Fatalf("expected ErrDesync for out-of-range fragment id, got %v", err)
	}
}

func TestOnFragmentRejectsInconsistentFragmentCount(t *testing.T) {
	bc, _ := newTestChannel(t, 4)
	mt := uint32(1)
	if err := bc.OnFragment(0, 3, 0, 4, []byte("abcd"), &mt); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if err := bc.OnFragment(0, 4, 1, 4, []byte("efgh"), nil); err != ErrDesync {
		t.Fatalf("expected ErrDesync on disagreeing num_fragments, got %v", err)
	}
}
