package memcore

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestKindAndFieldExtraction(t *testing.T) {
	err := Invalid("title", "title must not be empty")
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if FieldOf(err) != "title" {
		t.Fatalf("field = %q", FieldOf(err))
	}
	if !IsKind(err, KindInvalidInput) {
		t.Fatal("IsKind mismatch")
	}
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	err := IO("write index", os.ErrPermission)
	if !errors.Is(err, os.ErrPermission) {
		t.Fatal("cause lost through wrapping")
	}
	if got := err.Error(); got != "io-error: write index: permission denied" {
		t.Fatalf("message = %q", got)
	}

	// Kind survives another layer of wrapping.
	outer := fmt.Errorf("load: %w", err)
	if KindOf(outer) != KindIO {
		t.Fatalf("kind through fmt wrap = %s", KindOf(outer))
	}
}

func TestForeignErrorsAreInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("foreign errors must classify as internal")
	}
	if FieldOf(errors.New("boom")) != "" {
		t.Fatal("foreign errors carry no field")
	}
}
