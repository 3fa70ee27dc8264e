package digest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testBlob() []byte {
	blob := make([]byte, 76)
	for i := range blob {
		blob[i] = byte(i)
	}
	return blob
}

func TestPutNonce(t *testing.T) {
	blob := testBlob()
	if err := PutNonce(blob, 0x04030201); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]byte{1, 2, 3, 4}, blob[NonceOffset:NonceOffset+4]); d != "" {
		t.Errorf("nonce not little endian at offset 39: %s", d)
	}
	if d := cmp.Diff(NonceBytes(0x04030201), blob[NonceOffset:NonceOffset+4]); d != "" {
		t.Errorf("nonce bytes disagree with blob placement: %s", d)
	}
	if err := PutNonce(make([]byte, MinBlobSize-1), 1); !errors.Is(err, ErrShortBlob) {
		t.Errorf("expected ErrShortBlob, got %v", err)
	}
}

func TestBlake2bEngine(t *testing.T) {
	engine := NewBlake2b()
	handle, err := engine.Init([]byte("seed-a"))
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	blob := testBlob()
	first, err := handle.Compute(blob, 1)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := handle.Compute(blob, 1)
	if first != again {
		t.Errorf("digest not deterministic")
	}
	other, _ := handle.Compute(blob, 2)
	if first == other {
		t.Errorf("different nonces gave the same digest")
	}

	otherSeed, err := engine.Init(bytes.Repeat([]byte{0xAB}, 100))
	if err != nil {
		t.Fatalf("long seeds should be truncated, got %s", err)
	}
	seeded, _ := otherSeed.Compute(blob, 1)
	if seeded == first {
		t.Errorf("different seeds gave the same digest")
	}

	if _, err := handle.Compute(make([]byte, 10), 1); err == nil {
		t.Errorf("expected short blob to fail")
	}
}

func TestParseProfile(t *testing.T) {
	for in, expected := range map[string]Profile{"": ProfileFull, "FULL": ProfileFull, "light": ProfileLight} {
		got, err := ParseProfile(in)
		if err != nil || got != expected {
			t.Errorf("ParseProfile(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseProfile("turbo"); err == nil {
		t.Errorf("expected unknown profile to fail")
	}
}

func TestMemoryRequirement(t *testing.T) {
	light := MemoryRequirement(ProfileLight, 4)
	full := MemoryRequirement(ProfileFull, 4)
	if full-light != datasetBytes {
		t.Errorf("full profile should add exactly one dataset, diff %d", full-light)
	}
	if MemoryRequirement(ProfileLight, 8)-light != 4*scratchpadBytes {
		t.Errorf("each thread should add one scratchpad")
	}
}
