package ledger

import (
	"testing"
	"time"
)

func TestRememberAndIgnore(t *testing.T) {
	l := NewMemory(2*time.Hour, 10*time.Minute, nil)
	if l.IsIgnored("r1") {
		t.Fatal("empty ledger should ignore nothing")
	}
	l.Remember("r1")
	if !l.IsIgnored("r1") {
		t.Fatal("r1 should be ignored after Remember")
	}
	if l.IsIgnored("r2") {
		t.Fatal("r2 was never remembered")
	}
}

func TestZeroValueQueriesAreSafe(t *testing.T) {
	var l Memory
	if l.IsIgnored("r1") {
		t.Fatal("zero-value ledger should report nothing ignored")
	}
	l.Remember("r1")
	if !l.IsIgnored("r1") {
		t.Fatal("zero-value ledger should accept writes")
	}
}

func TestSweepDropsOldEntries(t *testing.T) {
	l := NewMemory(50*time.Millisecond, time.Minute, nil)
	l.Remember("old")
	time.Sleep(60 * time.Millisecond)
	l.Remember("fresh")

	l.Sweep(time.Now())
	if l.IsIgnored("old") {
		t.Fatal("entry past retention should be gone after sweep")
	}
	if !l.IsIgnored("fresh") {
		t.Fatal("entry within retention must survive sweep")
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected 1 live entry, got %d", got)
	}
}

func TestExpiredEntryNotIgnoredBeforeSweep(t *testing.T) {
	l := NewMemory(20*time.Millisecond, time.Minute, nil)
	l.Remember("r1")
	time.Sleep(30 * time.Millisecond)
	// no sweep has run yet; lookup must still honor retention
	if l.IsIgnored("r1") {
		t.Fatal("expired entry must not be reported as ignored")
	}
}

func TestRememberRefreshesTimestamp(t *testing.T) {
	l := NewMemory(50*time.Millisecond, time.Minute, nil)
	l.Remember("r1")
	time.Sleep(30 * time.Millisecond)
	l.Remember("r1")
	time.Sleep(30 * time.Millisecond)
	// 60ms since first write but only 30ms since refresh
	if !l.IsIgnored("r1") {
		t.Fatal("refreshed entry should still be ignored")
	}
}

func TestLegacyMigrationKeepsMembership(t *testing.T) {
	l := NewMemory(2*time.Hour, 10*time.Minute, []string{"a", "b", ""})
	if !l.IsIgnored("a") || !l.IsIgnored("b") {
		t.Fatal("legacy IDs must remain ignored after migration")
	}
	if l.IsIgnored("") {
		t.Fatal("blank legacy ID should be dropped")
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("expected 2 migrated entries, got %d", got)
	}
}
