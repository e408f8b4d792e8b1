package errutil

import (
	"errors"
	"testing"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

func TestInternalPassesThroughRecognizedKind(t *testing.T) {
	original := errs.New(errs.KindProfileNotFound, "no such profile")
	if got := Internal(original); got != original {
		t.Fatalf("expected a recognized Kind to pass through unchanged, got %v", got)
	}
}

func TestInternalWrapsPlainError(t *testing.T) {
	wrapped := Internal(errors.New("boom"))
	if errs.KindOf(wrapped) != errs.KindInternal {
		t.Fatalf("expected KindInternal, got %v", errs.KindOf(wrapped))
	}
}

func TestInternalNil(t *testing.T) {
	if Internal(nil) != nil {
		t.Fatal("expected nil in, nil out")
	}
}
