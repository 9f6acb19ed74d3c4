package repo_test

import (
	"testing"
	"time"

	"github.com/hamed0406/healthpipe/internal/repo"
	"github.com/hamed0406/healthpipe/internal/repo/memory"
	pg "github.com/hamed0406/healthpipe/internal/repo/postgres"
	"github.com/hamed0406/healthpipe/internal/repo/sqlite"
)

// Compile-time interface satisfaction checks.
// Using external test package avoids import cycle.
func TestInterfaceSatisfaction(t *testing.T) {
	var _ repo.Store = memory.New()
	var _ repo.Store = (*pg.Store)(nil)
	var _ repo.Store = (*sqlite.Store)(nil)
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got, want := repo.WindowStart(now), now.Add(-5*time.Minute); !got.Equal(want) {
		t.Fatalf("WindowStart = %v, want %v", got, want)
	}
}
