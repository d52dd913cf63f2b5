package aead

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := Encrypt(plaintext, 42, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, seq, err := Decrypt(sealed, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if seq != 42 {
		t.Errorf("sequence = %d, want 42", seq)
	}
	if string(got) != string(plaintext) {
		t.Errorf("plaintext mismatch: got %q", got)
	}
}

func TestDecryptRejectsBitFlips(t *testing.T) {
	key, _ := GenerateKey()
	sealed, _ := Encrypt([]byte("payload"), 7, key)

	for i := range sealed {
		mutated := append([]byte(nil), sealed...)
		mutated[i] ^= 0x01
		if _, _, err := Decrypt(mutated, key); err == nil {
			t.Fatalf("byte %d: expected decrypt failure after bit flip", i)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	sealed, _ := Encrypt([]byte("secret"), 1, key)

	if _, _, err := Decrypt(sealed, other); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestCompressedSequenceLength(t *testing.T) {
	cases := []struct {
		seq     uint64
		wantLen int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{1 << 16, 3},
		{1 << 56, 8},
	}
	key, _ := GenerateKey()
	for _, c := range cases {
		sealed, err := Encrypt([]byte("x"), c.seq, key)
		if err != nil {
			t.Fatalf("seq %d: encrypt: %v", c.seq, err)
		}
		gotLen := int(sealed[0] & seqLenMask)
		if gotLen != c.wantLen {
			t.Errorf("seq %d: compressed length = %d, want %d", c.seq, gotLen, c.wantLen)
		}
		_, decodedSeq, err := Decrypt(sealed, key)
		if err != nil || decodedSeq != c.seq {
			t.Errorf("seq %d: round trip got %d, err %v", c.seq, decodedSeq, err)
		}
	}
}
