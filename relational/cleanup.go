package relational

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// CleanupPhase says when a test's database cleanup runs.
type CleanupPhase int

const (
	// CleanupNone leaves cleanup to the container reset.
	CleanupNone CleanupPhase = iota
	// CleanupBefore cleans when the test starts.
	CleanupBefore
	// CleanupAfter cleans when the test and its subtests finish.
	CleanupAfter
)

// ParseCleanupPhase reads "none", "before" or "after".
func ParseCleanupPhase(s string) (CleanupPhase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CleanupNone, nil
	case "before", "before-each":
		return CleanupBefore, nil
	case "after", "after-each":
		return CleanupAfter, nil
	default:
		return CleanupNone, fmt.Errorf("relational: unknown cleanup phase %q", s)
	}
}

func (p CleanupPhase) String() string {
	switch p {
	case CleanupNone:
		return "none"
	case CleanupBefore:
		return "before"
	case CleanupAfter:
		return "after"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CleanupFor cleans the database around t in the given phase. With
// contracts only their DeleteAll tables are emptied, otherwise every table
// Clean would empty. A failed cleanup after a test that already failed is
// only logged.
func (d *Database) CleanupFor(t testing.TB, phase CleanupPhase, contracts *Contracts) {
	t.Helper()
	clean := func(ctx context.Context) error {
		if contracts != nil {
			return contracts.Clean(ctx, d)
		}
		return d.Clean(ctx)
	}
	switch phase {
	case CleanupBefore:
		if err := clean(t.Context()); err != nil {
			t.Fatalf("relational: cleanup before test: %v", err)
		}
	case CleanupAfter:
		t.Cleanup(func() {
			err := clean(context.Background())
			switch {
			case err == nil:
			case t.Failed():
				t.Logf("relational: cleanup after failed test: %v", err)
			default:
				t.Errorf("relational: cleanup after test: %v", err)
			}
		})
	}
}
