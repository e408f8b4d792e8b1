package lock

import (
	"context"
	"testing"
	"time"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

func TestLockExclusiveWithinProcessBlocksUntilReleased(t *testing.T) {
	l := New(t.TempDir())

	h1, err := l.Lock(context.Background(), "release:target:subtarget", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	short := 50 * time.Millisecond
	start := time.Now()
	_, err = l.Lock(context.Background(), "release:target:subtarget", &short)
	if errs.KindOf(err) != errs.KindTimeout {
		t.Fatalf("expected timeout error while held, got %v", err)
	}
	if time.Since(start) < short {
		t.Fatalf("expected to wait at least %v before timing out", short)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	h2, err := l.Lock(context.Background(), "release:target:subtarget", &short)
	if err != nil {
		t.Fatalf("expected lock to succeed after release, got %v", err)
	}
	h2.Release()
}

func TestLockDifferentKeysDoNotContend(t *testing.T) {
	l := New(t.TempDir())

	h1, err := l.Lock(context.Background(), "23.05.3:ath79:generic", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h1.Release()

	h2, err := l.Lock(context.Background(), "23.05.3:x86:64", nil)
	if err != nil {
		t.Fatalf("expected independent key to lock without contention: %v", err)
	}
	h2.Release()
}

func TestSafeNameBoundsLength(t *testing.T) {
	longKey := ""
	for i := 0; i < 500; i++ {
		longKey += "a"
	}
	name := safeName(longKey)
	if len(name) > maxKeyLength+len(".lock") {
		t.Fatalf("expected bounded lock file name, got length %d", len(name))
	}
}
