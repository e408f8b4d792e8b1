package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// A regular file stands in for a block device: real device writes can't be
// exercised in this environment, but os.OpenFile(os.O_WRONLY)+Sync behave
// identically against a file.
func writeTestImage(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func makeTargetFile(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "device.bin")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriteFullVerificationMatches(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	imagePath := writeTestImage(t, dir, data)
	devicePath := makeTargetFile(t, dir, len(data))

	w := New(nil)
	w.blockSize = 1024
	result, err := w.Write(imagePath, devicePath, Options{VerificationMode: types.VerifyFull})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.VerificationResult != types.VerificationMatch {
		t.Fatalf("expected successful match, got %+v", result)
	}
	if result.BytesWritten != int64(len(data)) {
		t.Fatalf("expected %d bytes written, got %d", len(data), result.BytesWritten)
	}

	written, err := os.ReadFile(devicePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != string(data) {
		t.Fatal("device contents do not match source image")
	}
}

func TestWritePrefixVerification(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20*1024*1024)
	imagePath := writeTestImage(t, dir, data)
	devicePath := makeTargetFile(t, dir, len(data))

	w := New(nil)
	result, err := w.Write(imagePath, devicePath, Options{VerificationMode: types.VerifyPrefix16M})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.VerificationResult != types.VerificationMatch {
		t.Fatalf("expected match, got %+v", result)
	}

	expectedPrefixHash := sha256.Sum256(data[:16*1024*1024])
	if result.SourceHash != hex.EncodeToString(expectedPrefixHash[:]) {
		t.Fatalf("expected source hash to cover only the 16MiB prefix")
	}
}

func TestWriteSkipVerification(t *testing.T) {
	dir := t.TempDir()
	data := []byte("some image bytes")
	imagePath := writeTestImage(t, dir, data)
	devicePath := makeTargetFile(t, dir, len(data))

	w := New(nil)
	result, err := w.Write(imagePath, devicePath, Options{VerificationMode: types.VerifySkip})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.VerificationResult != types.VerificationSkipped {
		t.Fatalf("expected skipped, got %+v", result.VerificationResult)
	}
	if result.SourceHash != "" || result.DeviceHash != "" {
		t.Fatalf("expected no hashes to be computed when verification is skipped")
	}
}

func TestWriteDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte("original content padded to fill some bytes")
	imagePath := writeTestImage(t, dir, data)
	devicePath := makeTargetFile(t, dir, len(data))

	w := New(nil)
	_, err := w.Write(imagePath, devicePath, Options{
		VerificationMode: types.VerifyFull,
		ExpectedHash:     "0000000000000000000000000000000000000000000000000000000000000",
	})
	if errs.KindOf(err) != errs.KindHashMismatch {
		t.Fatalf("expected hash_mismatch, got %v", err)
	}
}

func TestWriteMissingImageFails(t *testing.T) {
	dir := t.TempDir()
	devicePath := makeTargetFile(t, dir, 100)

	w := New(nil)
	_, err := w.Write(filepath.Join(dir, "missing.bin"), devicePath, Options{})
	if errs.KindOf(err) != errs.KindImageNotFound {
		t.Fatalf("expected image_not_found, got %v", err)
	}
}

func TestWipeZeroesPrefix(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "device.bin")
	if err := os.WriteFile(devicePath, []byte("ABCDEFGHIJ"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := New(nil)
	wiped, err := w.Wipe(devicePath, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wiped != 5 {
		t.Fatalf("expected 5 bytes wiped, got %d", wiped)
	}

	data, err := os.ReadFile(devicePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00\x00\x00\x00\x00FGHIJ" {
		t.Fatalf("expected first 5 bytes zeroed, got %q", data)
	}
}

func TestVerifyDeviceHashWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	data := []byte("stable content")
	devicePath := filepath.Join(dir, "device.bin")
	if err := os.WriteFile(devicePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(data)
	expected := hex.EncodeToString(sum[:])

	matches, actual, err := VerifyDeviceHash(devicePath, expected, int64(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matches || actual != expected {
		t.Fatalf("expected match, got matches=%v actual=%s", matches, actual)
	}

	matches, _, err = VerifyDeviceHash(devicePath, "deadbeef", int64(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches {
		t.Fatal("expected mismatch against a wrong hash")
	}
}
