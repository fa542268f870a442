package session_test

import (
	"testing"

	"github.com/dropDatabas3/veil/internal/session"
)

func TestKeyRoundTrip(t *testing.T) {
	key := session.Key("diana", "client-1", "grant-9")
	parts, err := session.Unpack(key)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(parts) != 3 || parts[0] != "diana" || parts[1] != "client-1" || parts[2] != "grant-9" {
		t.Fatalf("unexpected parts: %v", parts)
	}
}

func TestUnpackRejectsMalformed(t *testing.T) {
	for _, key := range []string{
		"",
		";;client",
		"diana;;",
		"diana;;;;grant",
		"a;;b;;c;;d",
	} {
		if _, err := session.Unpack(key); err != session.ErrMalformedKey {
			t.Fatalf("key %q: expected ErrMalformedKey, got %v", key, err)
		}
	}
}

func TestUnpackShorterPaths(t *testing.T) {
	parts, err := session.Unpack(session.Key("diana", "client-1"))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %v", parts)
	}
}
