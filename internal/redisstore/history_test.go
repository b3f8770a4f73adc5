package redisstore

import (
	"context"
	"testing"
	"time"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*HistoryStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	hs, err := NewHistoryStore(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to create history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })
	return hs, s
}

func TestNewHistoryStoreBadURL(t *testing.T) {
	if _, err := NewHistoryStore(context.Background(), "not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteAndQueryHistory(t *testing.T) {
	hs, s := setupTestRedis(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	s.SetTime(base)
	first, err := hs.WriteRecord(ctx, "user-1", store.HistoryDraft{Language: "Go", Code: "package main"})
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	s.SetTime(base.Add(time.Minute))
	second, err := hs.WriteRecord(ctx, "user-1", store.HistoryDraft{Language: "Go", Code: "package main // v2", Comment: "ok"})
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}

	if store.IsLocalID(first.ID) {
		t.Errorf("remote id %q carries the local prefix", first.ID)
	}
	if first.Origin != store.OriginCloudConfirmed {
		t.Errorf("expected cloud origin, got %s", first.Origin)
	}
	if !first.Timestamp.Equal(base) {
		t.Errorf("expected server time %v, got %v", base, first.Timestamp)
	}

	records, err := hs.QueryAllByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("QueryAllByUser failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != second.ID || records[1].ID != first.ID {
		t.Errorf("expected newest first, got %s then %s", records[0].ID, records[1].ID)
	}
	if records[0].Comment != "ok" {
		t.Errorf("comment not persisted: %q", records[0].Comment)
	}
}

func TestHistoryIsolation(t *testing.T) {
	hs, _ := setupTestRedis(t)
	ctx := context.Background()

	if _, err := hs.WriteRecord(ctx, "user-1", store.HistoryDraft{Language: "C", Code: "int main(){}"}); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	records, err := hs.QueryAllByUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("QueryAllByUser failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records for user-2, got %d", len(records))
	}
}

func TestDeleteHistory(t *testing.T) {
	hs, s := setupTestRedis(t)
	ctx := context.Background()

	record, err := hs.WriteRecord(ctx, "user-1", store.HistoryDraft{Language: "SQL", Code: "select 1"})
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := hs.DeleteByID(ctx, "user-1", record.ID); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	if s.Exists(hs.recordKey(record.ID)) {
		t.Error("record key still present")
	}
	records, err := hs.QueryAllByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("QueryAllByUser failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty history, got %d", len(records))
	}

	if err := hs.DeleteByID(ctx, "user-1", "hist_missing"); err != nil {
		t.Errorf("deleting unknown id should not fail: %v", err)
	}
}

func TestQuerySkipsDanglingIndexEntries(t *testing.T) {
	hs, s := setupTestRedis(t)
	ctx := context.Background()

	record, err := hs.WriteRecord(ctx, "user-1", store.HistoryDraft{Language: "Rust", Code: "fn main(){}"})
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	s.Del(hs.recordKey(record.ID))

	records, err := hs.QueryAllByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("QueryAllByUser failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected dangling entry to be skipped, got %d", len(records))
	}
}

func TestUnreachableRedisFallsBack(t *testing.T) {
	hs, s := setupTestRedis(t)
	s.Close()

	_, err := hs.QueryAllByUser(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if got := errclass.Classify(err); got != errclass.LocalFallback {
		t.Errorf("expected local fallback for %v, got %s", err, got)
	}
}

func TestDeleteIgnoresOtherUsersRecords(t *testing.T) {
	hs, s := setupTestRedis(t)
	ctx := context.Background()

	record, err := hs.WriteRecord(ctx, "alice", store.HistoryDraft{Language: "Go", Code: "package main"})
	if err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := hs.DeleteByID(ctx, "mallory", record.ID); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	if !s.Exists(hs.recordKey(record.ID)) {
		t.Fatal("record removed by a different user")
	}
	records, err := hs.QueryAllByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("QueryAllByUser failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("expected alice's record to survive, got %+v", records)
	}
}
