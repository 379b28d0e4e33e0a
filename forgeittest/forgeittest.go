// Package forgeittest ties harness sessions to the lifetime of a go test.
package forgeittest

import (
	"context"
	"testing"

	"github.com/GoCodeAlone/forgeit"
)

// Start bootstraps contracts on h and stops the session when t finishes.
// A bootstrap failure fails the test immediately.
func Start(t testing.TB, h *forgeit.Harness, contracts ...string) *forgeit.Session {
	t.Helper()
	s, err := h.Bootstrap(t.Context(), contracts...)
	if err != nil {
		t.Fatalf("forgeit bootstrap: %v", err)
	}
	t.Cleanup(func() {
		// t.Context is already cancelled when cleanups run.
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("forgeit close: %v", err)
		}
	})
	return s
}

// Reset restores every installed capability of s to its initial state and
// fails t on error. Call it at the start of each subtest sharing a session.
func Reset(t testing.TB, s *forgeit.Session) {
	t.Helper()
	if err := s.Reset(t.Context()); err != nil {
		t.Fatalf("forgeit reset: %v", err)
	}
}
