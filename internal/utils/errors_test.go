package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", NewAppError("IngestEvent", "invalid sensor message", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	appErr, ok := AsAppError(err)
	if !ok || appErr.Op != "IngestEvent" {
		t.Fatalf("expected AppError for IngestEvent, got %v", err)
	}
	if got := appErr.Error(); got != "IngestEvent: invalid sensor message: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if _, ok := AsAppError(cause); ok {
		t.Fatalf("plain error must not match")
	}
}
