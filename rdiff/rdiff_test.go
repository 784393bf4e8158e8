package rdiff

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, basis, target []byte, blockSize int) {
	t.Helper()
	sig, err := Signature(bytes.NewReader(basis), blockSize)
	if err != nil {
		t.Fatalf("Signature: %v", err)
	}
	sigBytes, _ := io.ReadAll(sig)

	delta, err := Delta(bytes.NewReader(target), bytes.NewReader(sigBytes))
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	deltaBytes, _ := io.ReadAll(delta)

	patched, err := Patch(bytes.NewReader(basis), bytes.NewReader(sigBytes), bytes.NewReader(deltaBytes))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, err := io.ReadAll(patched)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("patch(basis, delta(target, sig(basis))) != target: got %d bytes, want %d", len(got), len(target))
	}
}

func TestRoundTripIdentical(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)
	roundTrip(t, data, data, 64)
}

func TestRoundTripAppend(t *testing.T) {
	basis := bytes.Repeat([]byte("A"), 10000)
	target := append(append([]byte{}, basis...), bytes.Repeat([]byte("B"), 2000)...)
	roundTrip(t, basis, target, 256)
}

func TestRoundTripInsertInMiddle(t *testing.T) {
	basis := bytes.Repeat([]byte("0123456789"), 1000)
	target := append(append([]byte{}, basis[:5000]...), append([]byte("INSERTED-BLOCK"), basis[5000:]...)...)
	roundTrip(t, basis, target, 128)
}

func TestRoundTripEmpty(t *testing.T) {
	roundTrip(t, nil, nil, DefaultBlockSize)
}

func TestRoundTripCompletelyDifferent(t *testing.T) {
	basis := bytes.Repeat([]byte("X"), 4096)
	target := bytes.Repeat([]byte("Y"), 4096)
	roundTrip(t, basis, target, 512)
}

func TestPatchRejectsWrongBasis(t *testing.T) {
	basisA := bytes.Repeat([]byte("A"), 4096)
	basisB := bytes.Repeat([]byte("B"), 4096)
	target := append(append([]byte{}, basisA...), []byte("tail")...)

	sigA, _ := Signature(bytes.NewReader(basisA), 256)
	sigABytes, _ := io.ReadAll(sigA)
	delta, err := Delta(bytes.NewReader(target), bytes.NewReader(sigABytes))
	if err != nil {
		t.Fatal(err)
	}
	deltaBytes, _ := io.ReadAll(delta)

	sigB, _ := Signature(bytes.NewReader(basisB), 256)
	sigBBytes, _ := io.ReadAll(sigB)

	_, err = Patch(bytes.NewReader(basisB), bytes.NewReader(sigBBytes), bytes.NewReader(deltaBytes))
	if err == nil {
		t.Fatal("expected Patch to reject a delta built against a different basis")
	}
	if _, ok := err.(interface{ Error() string }); !ok {
		t.Fatalf("expected an error value, got %T", err)
	}
}
