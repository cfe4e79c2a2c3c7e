package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nearshare/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	store, dbPath, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if filepath.Dir(dbPath) != dir {
		t.Fatalf("db path %q not under %q", dbPath, dir)
	}

	// Reopening runs migrations idempotently.
	again, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	_ = again.Close()
}

func TestRecordAndListTransfers(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Unix()
	records := []TransferRecord{
		{
			TransferID: "t-1", RoomID: "ROOM1234", FileName: "old.bin", FileSize: 10,
			FromDevice: "device-a", ToDevice: "device-b",
			Direction: DirectionSend, Status: models.TransferCompleted,
			StartedAt: base - 100,
		},
		{
			TransferID: "t-2", RoomID: "ROOM1234", FileName: "new.bin", FileSize: 20,
			FromDevice: "device-b", ToDevice: "device-a",
			Direction: DirectionReceive, Status: models.TransferTransferring,
			StoredPath: "/downloads/new.bin", StartedAt: base,
		},
	}
	for _, record := range records {
		if err := store.RecordTransfer(record); err != nil {
			t.Fatalf("RecordTransfer %s failed: %v", record.TransferID, err)
		}
	}

	listed, err := store.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d records, want 2", len(listed))
	}
	if listed[0].TransferID != "t-2" || listed[1].TransferID != "t-1" {
		t.Fatalf("unexpected order: %s, %s", listed[0].TransferID, listed[1].TransferID)
	}
	if listed[0].Direction != DirectionReceive || listed[0].StoredPath != "/downloads/new.bin" {
		t.Fatalf("row fields not preserved: %+v", listed[0])
	}
}

func TestRecordTransferValidatesInput(t *testing.T) {
	store := openTestStore(t)

	bad := []TransferRecord{
		{FileName: "x", Direction: DirectionSend},                             // missing ID
		{TransferID: "t", Direction: DirectionSend},                           // missing name
		{TransferID: "t", FileName: "x", Direction: "sideways"},               // bad direction
		{TransferID: "t", FileName: "x", Direction: DirectionSend, Status: "lost"}, // bad status
	}
	for i, record := range bad {
		if err := store.RecordTransfer(record); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestUpdateTransferStatusStampsCompletion(t *testing.T) {
	store := openTestStore(t)

	record := TransferRecord{
		TransferID: "t-1", RoomID: "ROOM1234", FileName: "file.bin", FileSize: 10,
		FromDevice: "device-a", ToDevice: "device-b",
		Direction: DirectionReceive, Status: models.TransferTransferring,
	}
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	if err := store.UpdateTransferStatus("t-1", models.TransferCompleted, "/downloads/file.bin"); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}

	listed, err := store.ListRecent(1)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	got := listed[0]
	if got.Status != models.TransferCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.StoredPath != "/downloads/file.bin" {
		t.Fatalf("stored path = %q", got.StoredPath)
	}
	if got.FinishedAt == 0 {
		t.Fatalf("terminal status did not stamp finished_at")
	}
}

func TestUpdateTransferStatusUnknownRow(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateTransferStatus("missing", models.TransferFailed, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneOlderThan(t *testing.T) {
	store := openTestStore(t)

	now := time.Now()
	old := TransferRecord{
		TransferID: "t-old", RoomID: "R", FileName: "a", FileSize: 1,
		FromDevice: "x", ToDevice: "y", Direction: DirectionSend,
		Status: models.TransferCompleted, StartedAt: now.Add(-48 * time.Hour).Unix(),
	}
	recent := TransferRecord{
		TransferID: "t-new", RoomID: "R", FileName: "b", FileSize: 1,
		FromDevice: "x", ToDevice: "y", Direction: DirectionSend,
		Status: models.TransferCompleted, StartedAt: now.Unix(),
	}
	for _, record := range []TransferRecord{old, recent} {
		if err := store.RecordTransfer(record); err != nil {
			t.Fatalf("RecordTransfer failed: %v", err)
		}
	}

	pruned, err := store.PruneOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want 1", pruned)
	}

	listed, err := store.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(listed) != 1 || listed[0].TransferID != "t-new" {
		t.Fatalf("unexpected survivors: %+v", listed)
	}
}
