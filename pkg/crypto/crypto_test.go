package crypto

import "testing"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("key-material")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	encoded, err := s.SealString("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if encoded == "hunter2" {
		t.Fatalf("expected ciphertext, got plaintext")
	}
	plain, err := s.OpenString(encoded)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("expected hunter2, got %q", plain)
	}
}

func TestSealerRejectsForeignKey(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")
	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected open with another key to fail")
	}
}

func TestNewSealerRequiresSecret(t *testing.T) {
	if _, err := NewSealer("  "); err == nil {
		t.Fatalf("expected blank secret to be rejected")
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "s3cret"); err != nil {
		t.Fatalf("expected password to match: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Fatalf("expected mismatch")
	}
}
