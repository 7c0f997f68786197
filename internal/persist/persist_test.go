// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marmstrong/maillink/internal/message"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maillink.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entry := message.IndexEntry{
		Folder:       "INBOX",
		UID:          7,
		InternalDate: date("2024-03-01T10:00:00Z"),
		MID:          188000000123456,
	}
	for i := 0; i < 3; i++ {
		if err := db.UpsertMessages(ctx, "a@example.com", []message.IndexEntry{entry}); err != nil {
			t.Fatalf("UpsertMessages (pass %d) failed: %v", i, err)
		}
	}

	got, err := db.ListMessages(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if diff := cmp.Diff([]message.IndexEntry{entry}, got); diff != "" {
		t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := message.IndexEntry{
		Folder: "INBOX", UID: 7,
		InternalDate: date("2024-03-01T10:00:00Z"),
		MID:          100,
	}
	second := first
	second.MID = 200
	second.TID = 150

	if err := db.UpsertMessages(ctx, "a@example.com", []message.IndexEntry{first}); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}
	if err := db.UpsertMessages(ctx, "a@example.com", []message.IndexEntry{second}); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	mid, tid, ok, err := db.GetIDs(ctx, "a@example.com", "INBOX", 7)
	if err != nil || !ok {
		t.Fatalf("GetIDs = (_, _, %v, %v), want hit", ok, err)
	}
	if mid != 200 || tid != 150 {
		t.Errorf("GetIDs = (%d, %d), want (200, 150)", mid, tid)
	}
}

func TestGetIDsThreadFallsBackToMessageID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entry := message.IndexEntry{
		Folder: "INBOX", UID: 3,
		InternalDate: date("2024-03-01T10:00:00Z"),
		MID:          987,
		// TID zero means unknown.
	}
	if err := db.UpsertMessages(ctx, "a@example.com", []message.IndexEntry{entry}); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	mid, tid, ok, err := db.GetIDs(ctx, "a@example.com", "INBOX", 3)
	if err != nil || !ok {
		t.Fatalf("GetIDs = (_, _, %v, %v), want hit", ok, err)
	}
	if mid != 987 || tid != 987 {
		t.Errorf("GetIDs = (%d, %d), want tid to fall back to mid 987", mid, tid)
	}
}

func TestGetMIDMiss(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mid, ok, err := db.GetMID(ctx, "a@example.com", "INBOX", 99)
	if err != nil {
		t.Fatalf("GetMID failed: %v", err)
	}
	if ok || mid != 0 {
		t.Errorf("GetMID on empty db = (%d, %v), want (0, false)", mid, ok)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.GetCheckpoint(ctx, "a@example.com"); err != nil || ok {
		t.Fatalf("GetCheckpoint on empty db = (_, %v, %v), want miss", ok, err)
	}

	cp := message.Checkpoint{
		LastSyncDate: date("2024-06-01T12:34:56Z"),
		MaxMID:       188000000999999,
	}
	if err := db.SetCheckpoint(ctx, "a@example.com", cp); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}
	got, ok, err := db.GetCheckpoint(ctx, "a@example.com")
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint = (_, %v, %v), want hit", ok, err)
	}
	if diff := cmp.Diff(cp, got); diff != "" {
		t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitSyncPassIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries := []message.IndexEntry{
		{Folder: "INBOX", UID: 1, InternalDate: date("2024-01-01T00:00:00Z"), MID: 10},
		{Folder: "Sent", UID: 2, InternalDate: date("2024-01-02T00:00:00Z"), MID: 11},
	}
	cp := message.Checkpoint{LastSyncDate: date("2024-01-02T00:00:00Z"), MaxMID: 11}
	if err := db.CommitSyncPass(ctx, "a@example.com", entries, cp); err != nil {
		t.Fatalf("CommitSyncPass failed: %v", err)
	}

	got, err := db.ListMessages(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListMessages returned %d entries, want 2", len(got))
	}
	gotCP, ok, err := db.GetCheckpoint(ctx, "a@example.com")
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint = (_, %v, %v), want hit", ok, err)
	}
	if gotCP.MaxMID != 11 {
		t.Errorf("checkpoint MaxMID = %d, want 11", gotCP.MaxMID)
	}
}

func TestListMessagesOrdersByDate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries := []message.IndexEntry{
		{Folder: "Sent", UID: 9, InternalDate: date("2024-05-01T00:00:00Z"), MID: 3},
		{Folder: "INBOX", UID: 1, InternalDate: date("2024-01-01T00:00:00Z"), MID: 1},
		{Folder: "INBOX", UID: 5, InternalDate: date("2024-03-01T00:00:00Z"), MID: 2},
	}
	if err := db.UpsertMessages(ctx, "a@example.com", entries); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	got, err := db.ListMessages(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	var mids []int64
	for _, e := range got {
		mids = append(mids, e.MID)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, mids); diff != "" {
		t.Errorf("ListMessages order mismatch (-want +got):\n%s", diff)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, account := range []string{"a@example.com", "b@example.com"} {
		entry := message.IndexEntry{
			Folder: "INBOX", UID: 1,
			InternalDate: date("2024-01-01T00:00:00Z"),
			MID:          42,
		}
		if err := db.UpsertMessages(ctx, account, []message.IndexEntry{entry}); err != nil {
			t.Fatalf("UpsertMessages(%s) failed: %v", account, err)
		}
		if err := db.SetCheckpoint(ctx, account, message.Checkpoint{
			LastSyncDate: date("2024-01-01T00:00:00Z"), MaxMID: 42}); err != nil {
			t.Fatalf("SetCheckpoint(%s) failed: %v", account, err)
		}
	}

	if err := db.ClearAccount(ctx, "a@example.com"); err != nil {
		t.Fatalf("ClearAccount failed: %v", err)
	}

	gotA, err := db.ListMessages(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ListMessages(a) failed: %v", err)
	}
	if len(gotA) != 0 {
		t.Errorf("account a has %d entries after clear, want 0", len(gotA))
	}
	if _, ok, _ := db.GetCheckpoint(ctx, "a@example.com"); ok {
		t.Error("account a still has a checkpoint after clear")
	}

	gotB, err := db.ListMessages(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("ListMessages(b) failed: %v", err)
	}
	if len(gotB) != 1 {
		t.Errorf("account b has %d entries, want 1 untouched", len(gotB))
	}
	if _, ok, _ := db.GetCheckpoint(ctx, "b@example.com"); !ok {
		t.Error("account b lost its checkpoint")
	}
}

func TestPruneRemovesOldEntriesOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries := []message.IndexEntry{
		{Folder: "INBOX", UID: 1, InternalDate: date("2023-01-01T00:00:00Z"), MID: 1},
		{Folder: "INBOX", UID: 2, InternalDate: date("2024-06-01T00:00:00Z"), MID: 2},
	}
	if err := db.UpsertMessages(ctx, "a@example.com", entries); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	n, err := db.Prune(ctx, "a@example.com", date("2024-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d rows, want 1", n)
	}

	got, err := db.ListMessages(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 1 || got[0].UID != 2 {
		t.Errorf("after Prune got %v, want only uid 2", got)
	}
}

func TestFolderReferenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.GetFolderReference(ctx, "a@example.com", "INBOX"); err != nil || ok {
		t.Fatalf("GetFolderReference on empty db = (_, %v, %v), want miss", ok, err)
	}

	ref := message.FolderReference{UID: 1500, MID: 188000000500000}
	if err := db.SetFolderReference(ctx, "a@example.com", "INBOX", ref); err != nil {
		t.Fatalf("SetFolderReference failed: %v", err)
	}
	// Last write wins.
	ref.MID = 188000000600000
	if err := db.SetFolderReference(ctx, "a@example.com", "INBOX", ref); err != nil {
		t.Fatalf("SetFolderReference failed: %v", err)
	}

	got, ok, err := db.GetFolderReference(ctx, "a@example.com", "INBOX")
	if err != nil || !ok {
		t.Fatalf("GetFolderReference = (_, %v, %v), want hit", ok, err)
	}
	if diff := cmp.Diff(ref, got); diff != "" {
		t.Errorf("reference mismatch (-want +got):\n%s", diff)
	}

	refs, err := db.FolderReferences(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("FolderReferences failed: %v", err)
	}
	if len(refs) != 1 {
		t.Errorf("FolderReferences returned %d refs, want 1", len(refs))
	}
}

func TestWatermark(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	uid, err := db.GetWatermark(ctx, "a@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetWatermark failed: %v", err)
	}
	if uid != 0 {
		t.Errorf("GetWatermark on empty db = %d, want 0", uid)
	}

	if err := db.SetWatermark(ctx, "a@example.com", "INBOX", 4321); err != nil {
		t.Fatalf("SetWatermark failed: %v", err)
	}
	uid, err = db.GetWatermark(ctx, "a@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetWatermark failed: %v", err)
	}
	if uid != 4321 {
		t.Errorf("GetWatermark = %d, want 4321", uid)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	meta := message.Metadata{
		UID:        11,
		Subject:    "Quarterly report",
		Sender:     "boss@example.com",
		Recipients: []string{"a@example.com", "b@example.com"},
		Date:       date("2024-04-01T09:30:00Z"),
		Flags:      []string{"\\Seen"},
	}
	if err := db.UpsertMetadata(ctx, "a@example.com", "INBOX", []message.Metadata{meta}); err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}

	got, err := db.GetMetadata(ctx, "a@example.com", "INBOX", 11)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetMetadata returned nil, want hit")
	}
	if diff := cmp.Diff(meta, *got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	missing, err := db.GetMetadata(ctx, "a@example.com", "INBOX", 12)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if missing != nil {
		t.Errorf("GetMetadata miss returned %v, want nil", missing)
	}
}

func TestMetadataPage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var metas []message.Metadata
	for uid := uint32(1); uid <= 5; uid++ {
		metas = append(metas, message.Metadata{
			UID:  uid,
			Date: date("2024-04-01T09:30:00Z"),
		})
	}
	if err := db.UpsertMetadata(ctx, "a@example.com", "INBOX", metas); err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}

	page, total, err := db.MetadataPage(ctx, "a@example.com", "INBOX", 2, 2, true)
	if err != nil {
		t.Fatalf("MetadataPage failed: %v", err)
	}
	if total != 5 {
		t.Errorf("MetadataPage total = %d, want 5", total)
	}
	var uids []uint32
	for _, m := range page {
		uids = append(uids, m.UID)
	}
	// Page 2 of size 2, descending: 5 4 | 3 2 | 1.
	if diff := cmp.Diff([]uint32{3, 2}, uids); diff != "" {
		t.Errorf("page uids mismatch (-want +got):\n%s", diff)
	}
}

func TestBodyRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	body := message.Body{
		UID:         21,
		Text:        "plain text",
		HTML:        "<p>plain text</p>",
		Attachments: []string{"report.pdf"},
	}
	if err := db.StoreBody(ctx, "a@example.com", "INBOX", body); err != nil {
		t.Fatalf("StoreBody failed: %v", err)
	}
	got, err := db.GetBody(ctx, "a@example.com", "INBOX", 21)
	if err != nil {
		t.Fatalf("GetBody failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetBody returned nil, want hit")
	}
	if diff := cmp.Diff(body, *got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}

	if err := db.DeleteMessage(ctx, "a@example.com", "INBOX", 21); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	got, err = db.GetBody(ctx, "a@example.com", "INBOX", 21)
	if err != nil {
		t.Fatalf("GetBody failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetBody after delete returned %v, want nil", got)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries := []message.IndexEntry{
		{Folder: "INBOX", UID: 1, InternalDate: date("2024-01-01T00:00:00Z"), MID: 1},
		{Folder: "INBOX", UID: 2, InternalDate: date("2024-01-02T00:00:00Z"), MID: 2},
	}
	if err := db.UpsertMessages(ctx, "a@example.com", entries); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}
	if err := db.UpsertMessages(ctx, "b@example.com", entries[:1]); err != nil {
		t.Fatalf("UpsertMessages failed: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalMessages != 3 {
		t.Errorf("TotalMessages = %d, want 3", stats.TotalMessages)
	}
	if stats.PerAccount["a@example.com"] != 2 || stats.PerAccount["b@example.com"] != 1 {
		t.Errorf("PerAccount = %v, want a=2 b=1", stats.PerAccount)
	}
}
