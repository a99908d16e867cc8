package tunnel

import (
	"strings"
	"testing"
)

func TestGenerateID_Format(t *testing.T) {
	id := GenerateID()
	if len(id) != 26 {
		t.Fatalf("id length = %d, want 26", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", c) {
			t.Fatalf("id %q contains invalid character %q", id, c)
		}
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestCheckSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if err := CheckSecret(hash, "s3cret"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if err := CheckSecret(hash, "wrong"); err != ErrUnauthorized {
		t.Errorf("wrong secret: got %v, want ErrUnauthorized", err)
	}
	if err := CheckSecret(hash, ""); err != ErrUnauthorized {
		t.Errorf("empty secret: got %v, want ErrUnauthorized", err)
	}
}
