package main

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

// TestSha256Hex pins the recomputation formula to result_event_log_chain()'s
// trigger: sha256(seq || "|" || prev_hash_hex || "|" || payload_canonical).
func TestSha256Hex(t *testing.T) {
	seq := "1"
	prev := "00"
	payload := `{"a":1}`

	want := sha256.Sum256([]byte(seq + "|" + prev + "|" + payload))
	got := sha256Hex(seq + "|" + prev + "|" + payload)

	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("sha256Hex mismatch: got %s want %x", got, want)
	}
}

func TestSha256Hex_DiffersOnTamperedPayload(t *testing.T) {
	base := sha256Hex("1|00|" + `{"a":1}`)
	tampered := sha256Hex("1|00|" + `{"a":2}`)
	if base == tampered {
		t.Fatal("expected tampered payload to change the recomputed hash")
	}
}
