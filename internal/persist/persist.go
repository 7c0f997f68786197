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

// Package persist is the durable cache behind the web-link calculator
// and the mailbox layer.  One SQLite database holds six tables, all
// keyed by account; every write is an idempotent upsert and an absent
// row is a miss, never an error.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marmstrong/maillink/internal/message"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The message_index table maps (account, folder, uid) to
		// the provider message ID ("mid") used in web URLs.
		//
		// Field: internal_date
		//
		//   IMAP INTERNALDATE as Unix nanoseconds.  Authoritative
		//   for chronological ordering; the provider's ID space is
		//   assumed monotonic in it.
		//
		// Field: mid
		//
		//   The provider message ID.  Verified when written by the
		//   web API reconciler, estimated when written by the sync
		//   engine.
		//
		// Field: tid
		//
		//   Provider thread ID.  NULL when unknown; readers fall
		//   back to mid.
		`
CREATE TABLE IF NOT EXISTS message_index (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
internal_date INTEGER NOT NULL,
mid INTEGER NOT NULL,
tid INTEGER,
PRIMARY KEY (account, folder, uid)
);`,
		`
CREATE INDEX IF NOT EXISTS idx_message_date
ON message_index(account, internal_date);`,
		// The sync_state table holds one checkpoint row per
		// account: the internal date of the most recently synced
		// message and the highest mid assigned so far.  Replaced
		// in place after every successful sync pass.
		`
CREATE TABLE IF NOT EXISTS sync_state (
account TEXT NOT NULL PRIMARY KEY,
last_sync_date INTEGER NOT NULL,
max_mid INTEGER NOT NULL
);`,
		// The folder_reference table holds a trusted (uid, mid)
		// anchor per folder for linear estimation.  Last write
		// wins.
		`
CREATE TABLE IF NOT EXISTS folder_reference (
account TEXT NOT NULL,
folder TEXT NOT NULL,
ref_uid INTEGER NOT NULL,
ref_mid INTEGER NOT NULL,
updated_at TEXT NOT NULL,
PRIMARY KEY (account, folder)
);`,
		// The folder_watermark table records the highest UID
		// already processed during metadata sync, so a later pass
		// only fetches newer messages.
		`
CREATE TABLE IF NOT EXISTS folder_watermark (
account TEXT NOT NULL,
folder TEXT NOT NULL,
highest_uid INTEGER NOT NULL,
updated_at TEXT NOT NULL,
PRIMARY KEY (account, folder)
);`,
		// The email_metadata table caches header-level message
		// data.  recipients and flags are JSON arrays.  cached_at
		// is for observability only; pruning is explicit.
		`
CREATE TABLE IF NOT EXISTS email_metadata (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
subject TEXT,
sender TEXT,
recipients TEXT,
date INTEGER,
flags TEXT,
cached_at TEXT NOT NULL,
PRIMARY KEY (account, folder, uid)
);`,
		// The email_body table caches message content.
		// attachments is a JSON array of file names.
		`
CREATE TABLE IF NOT EXISTS email_body (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
body_text TEXT,
body_html TEXT,
attachments TEXT,
cached_at TEXT NOT NULL,
PRIMARY KEY (account, folder, uid)
);`,
	}
)

// DB wraps the cache database.  It tolerates concurrent readers and a
// single writer per account; upserts are idempotent so retried writes
// after a crash are safe.
type DB struct {
	db *sql.DB
}

// Stats summarizes the cache for observability.
type Stats struct {
	TotalMessages int64
	PerAccount    map[string]int64
}

// AccountStats summarizes one account's cache and checkpoint.
type AccountStats struct {
	MessageCount int64
	MaxMID       int64
	LastSync     time.Time
	HasSynced    bool
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (or lazily creates, with parent directories) the cache
// database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrapf(err,
				"Open(%q) failed: could not create the cache directory", path)
		}
	}

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// UpsertMessages inserts or replaces a batch of index entries in one
// transaction.
func (db *DB) UpsertMessages(ctx context.Context, account string, entries []message.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	if err := upsertMessagesTx(ctx, tx, account, entries); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed for message upsert")
}

func upsertMessagesTx(ctx context.Context, tx *sql.Tx, account string, entries []message.IndexEntry) error {
	const q = `INSERT OR REPLACE INTO message_index
		(account, folder, uid, internal_date, mid, tid)
		VALUES ($1, $2, $3, $4, $5, $6)`
	upsert, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for message upsert")
	}
	defer upsert.Close()

	for _, e := range entries {
		tid := sql.NullInt64{Int64: e.TID, Valid: e.TID != 0}
		if _, err := upsert.ExecContext(ctx, account, e.Folder, e.UID,
			e.InternalDate.UnixNano(), e.MID, tid); err != nil {
			return errors.Wrapf(err, "db upsert failed for %s/%d", e.Folder, e.UID)
		}
	}
	return nil
}

// GetMID returns the cached provider ID for one message.  The second
// return value is false on a miss.
func (db *DB) GetMID(ctx context.Context, account, folder string, uid uint32) (int64, bool, error) {
	const q = `SELECT mid FROM message_index
		WHERE account = $1 AND folder = $2 AND uid = $3`
	var mid int64
	err := db.db.QueryRowContext(ctx, q, account, folder, uid).Scan(&mid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "db query failed in GetMID")
	}
	return mid, true, nil
}

// GetIDs returns the cached (mid, tid) pair for one message.  A NULL
// thread ID falls back to the message ID.
func (db *DB) GetIDs(ctx context.Context, account, folder string, uid uint32) (mid, tid int64, ok bool, err error) {
	const q = `SELECT mid, tid FROM message_index
		WHERE account = $1 AND folder = $2 AND uid = $3`
	var nullTID sql.NullInt64
	err = db.db.QueryRowContext(ctx, q, account, folder, uid).Scan(&mid, &nullTID)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "db query failed in GetIDs")
	}
	tid = mid
	if nullTID.Valid && nullTID.Int64 != 0 {
		tid = nullTID.Int64
	}
	return mid, tid, true, nil
}

// ListMessages returns all index entries for an account ordered by
// internal date ascending.
func (db *DB) ListMessages(ctx context.Context, account string) ([]message.IndexEntry, error) {
	const q = `SELECT folder, uid, internal_date, mid, tid
		FROM message_index
		WHERE account = $1
		ORDER BY internal_date ASC, folder ASC, uid ASC`
	rows, err := db.db.QueryContext(ctx, q, account)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in ListMessages")
	}
	defer rows.Close()

	var out []message.IndexEntry
	for rows.Next() {
		var e message.IndexEntry
		var nanos int64
		var tid sql.NullInt64
		if err := rows.Scan(&e.Folder, &e.UID, &nanos, &e.MID, &tid); err != nil {
			return nil, errors.Wrap(err, "db scan failed in ListMessages")
		}
		e.InternalDate = time.Unix(0, nanos).UTC()
		if tid.Valid {
			e.TID = tid.Int64
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "db rows failed in ListMessages")
}

// GetCheckpoint returns the sync checkpoint for an account.  The
// second return value is false when the account has never synced.
func (db *DB) GetCheckpoint(ctx context.Context, account string) (message.Checkpoint, bool, error) {
	const q = `SELECT last_sync_date, max_mid FROM sync_state WHERE account = $1`
	var nanos, maxMID int64
	err := db.db.QueryRowContext(ctx, q, account).Scan(&nanos, &maxMID)
	if err == sql.ErrNoRows {
		return message.Checkpoint{}, false, nil
	}
	if err != nil {
		return message.Checkpoint{}, false, errors.Wrap(err, "db query failed in GetCheckpoint")
	}
	return message.Checkpoint{
		LastSyncDate: time.Unix(0, nanos).UTC(),
		MaxMID:       maxMID,
	}, true, nil
}

// SetCheckpoint replaces the sync checkpoint for an account.
func (db *DB) SetCheckpoint(ctx context.Context, account string, cp message.Checkpoint) error {
	const q = `INSERT OR REPLACE INTO sync_state
		(account, last_sync_date, max_mid) VALUES ($1, $2, $3)`
	_, err := db.db.ExecContext(ctx, q, account, cp.LastSyncDate.UnixNano(), cp.MaxMID)
	return errors.Wrap(err, "db upsert failed in SetCheckpoint")
}

// CommitSyncPass atomically writes a sync pass's index entries and its
// checkpoint.  On error nothing is committed, so an aborted sync
// leaves prior cache state untouched.
func (db *DB) CommitSyncPass(ctx context.Context, account string, entries []message.IndexEntry, cp message.Checkpoint) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	if err := upsertMessagesTx(ctx, tx, account, entries); err != nil {
		return err
	}
	const q = `INSERT OR REPLACE INTO sync_state
		(account, last_sync_date, max_mid) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, q, account, cp.LastSyncDate.UnixNano(), cp.MaxMID); err != nil {
		return errors.Wrap(err, "db upsert failed for checkpoint")
	}
	return errors.Wrap(tx.Commit(), "commit failed for sync pass")
}

// GetFolderReference returns the (uid, mid) anchor for a folder.  The
// second return value is false when none is set.
func (db *DB) GetFolderReference(ctx context.Context, account, folder string) (message.FolderReference, bool, error) {
	const q = `SELECT ref_uid, ref_mid FROM folder_reference
		WHERE account = $1 AND folder = $2`
	var ref message.FolderReference
	err := db.db.QueryRowContext(ctx, q, account, folder).Scan(&ref.UID, &ref.MID)
	if err == sql.ErrNoRows {
		return message.FolderReference{}, false, nil
	}
	if err != nil {
		return message.FolderReference{}, false, errors.Wrap(err, "db query failed in GetFolderReference")
	}
	return ref, true, nil
}

// SetFolderReference replaces the (uid, mid) anchor for a folder.
func (db *DB) SetFolderReference(ctx context.Context, account, folder string, ref message.FolderReference) error {
	const q = `INSERT OR REPLACE INTO folder_reference
		(account, folder, ref_uid, ref_mid, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := db.db.ExecContext(ctx, q, account, folder, ref.UID, ref.MID,
		time.Now().UTC().Format(time.RFC3339))
	return errors.Wrap(err, "db upsert failed in SetFolderReference")
}

// FolderReferences returns all folder anchors for an account.
func (db *DB) FolderReferences(ctx context.Context, account string) (map[string]message.FolderReference, error) {
	const q = `SELECT folder, ref_uid, ref_mid FROM folder_reference WHERE account = $1`
	rows, err := db.db.QueryContext(ctx, q, account)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in FolderReferences")
	}
	defer rows.Close()

	refs := make(map[string]message.FolderReference)
	for rows.Next() {
		var folder string
		var ref message.FolderReference
		if err := rows.Scan(&folder, &ref.UID, &ref.MID); err != nil {
			return nil, errors.Wrap(err, "db scan failed in FolderReferences")
		}
		refs[folder] = ref
	}
	return refs, errors.Wrap(rows.Err(), "db rows failed in FolderReferences")
}

// GetWatermark returns the highest UID already processed for a folder,
// or zero when the folder has never been scanned.
func (db *DB) GetWatermark(ctx context.Context, account, folder string) (uint32, error) {
	const q = `SELECT highest_uid FROM folder_watermark
		WHERE account = $1 AND folder = $2`
	var uid uint32
	err := db.db.QueryRowContext(ctx, q, account, folder).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "db query failed in GetWatermark")
	}
	return uid, nil
}

// SetWatermark records the highest UID processed for a folder.
func (db *DB) SetWatermark(ctx context.Context, account, folder string, uid uint32) error {
	const q = `INSERT OR REPLACE INTO folder_watermark
		(account, folder, highest_uid, updated_at)
		VALUES ($1, $2, $3, $4)`
	_, err := db.db.ExecContext(ctx, q, account, folder, uid,
		time.Now().UTC().Format(time.RFC3339))
	return errors.Wrap(err, "db upsert failed in SetWatermark")
}

// UpsertMetadata caches header-level data for a batch of messages.
func (db *DB) UpsertMetadata(ctx context.Context, account, folder string, metas []message.Metadata) error {
	if len(metas) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const q = `INSERT OR REPLACE INTO email_metadata
		(account, folder, uid, subject, sender, recipients, date, flags, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	upsert, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for metadata upsert")
	}
	defer upsert.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range metas {
		recipients, err := json.Marshal(m.Recipients)
		if err != nil {
			return errors.Wrap(err, "marshal recipients failed")
		}
		flags, err := json.Marshal(m.Flags)
		if err != nil {
			return errors.Wrap(err, "marshal flags failed")
		}
		if _, err := upsert.ExecContext(ctx, account, folder, m.UID,
			m.Subject, m.Sender, string(recipients),
			m.Date.UnixNano(), string(flags), now); err != nil {
			return errors.Wrapf(err, "db upsert failed for metadata %s/%d", folder, m.UID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit failed for metadata upsert")
}

// GetMetadata returns cached metadata for one message, or nil on a
// miss.
func (db *DB) GetMetadata(ctx context.Context, account, folder string, uid uint32) (*message.Metadata, error) {
	const q = `SELECT uid, subject, sender, recipients, date, flags
		FROM email_metadata
		WHERE account = $1 AND folder = $2 AND uid = $3`
	row := db.db.QueryRowContext(ctx, q, account, folder, uid)
	m, err := scanMetadata(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in GetMetadata")
	}
	return m, nil
}

// MetadataPage returns one page of cached metadata for a folder,
// ordered by UID, plus the total row count.
func (db *DB) MetadataPage(ctx context.Context, account, folder string, page, pageSize int, desc bool) ([]message.Metadata, int, error) {
	const countQ = `SELECT COUNT(*) FROM email_metadata
		WHERE account = $1 AND folder = $2`
	var total int
	if err := db.db.QueryRowContext(ctx, countQ, account, folder).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "db count failed in MetadataPage")
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	q := fmt.Sprintf(`SELECT uid, subject, sender, recipients, date, flags
		FROM email_metadata
		WHERE account = $1 AND folder = $2
		ORDER BY uid %s
		LIMIT $3 OFFSET $4`, dir)
	rows, err := db.db.QueryContext(ctx, q, account, folder, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, errors.Wrap(err, "db query failed in MetadataPage")
	}
	defer rows.Close()

	var out []message.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows.Scan)
		if err != nil {
			return nil, 0, errors.Wrap(err, "db scan failed in MetadataPage")
		}
		out = append(out, *m)
	}
	return out, total, errors.Wrap(rows.Err(), "db rows failed in MetadataPage")
}

func scanMetadata(scan func(...interface{}) error) (*message.Metadata, error) {
	var m message.Metadata
	var subject, sender, recipients, flags sql.NullString
	var nanos sql.NullInt64
	if err := scan(&m.UID, &subject, &sender, &recipients, &nanos, &flags); err != nil {
		return nil, err
	}
	m.Subject = subject.String
	m.Sender = sender.String
	if nanos.Valid {
		m.Date = time.Unix(0, nanos.Int64).UTC()
	}
	if recipients.Valid && recipients.String != "" {
		if err := json.Unmarshal([]byte(recipients.String), &m.Recipients); err != nil {
			return nil, errors.Wrap(err, "unmarshal recipients failed")
		}
	}
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &m.Flags); err != nil {
			return nil, errors.Wrap(err, "unmarshal flags failed")
		}
	}
	return &m, nil
}

// CachedUIDs returns the set of UIDs with cached metadata in a folder.
func (db *DB) CachedUIDs(ctx context.Context, account, folder string) (map[uint32]bool, error) {
	const q = `SELECT uid FROM email_metadata WHERE account = $1 AND folder = $2`
	rows, err := db.db.QueryContext(ctx, q, account, folder)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in CachedUIDs")
	}
	defer rows.Close()

	uids := make(map[uint32]bool)
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, errors.Wrap(err, "db scan failed in CachedUIDs")
		}
		uids[uid] = true
	}
	return uids, errors.Wrap(rows.Err(), "db rows failed in CachedUIDs")
}

// StoreBody caches a message's content.
func (db *DB) StoreBody(ctx context.Context, account, folder string, body message.Body) error {
	attachments, err := json.Marshal(body.Attachments)
	if err != nil {
		return errors.Wrap(err, "marshal attachments failed")
	}
	const q = `INSERT OR REPLACE INTO email_body
		(account, folder, uid, body_text, body_html, attachments, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = db.db.ExecContext(ctx, q, account, folder, body.UID,
		body.Text, body.HTML, string(attachments),
		time.Now().UTC().Format(time.RFC3339))
	return errors.Wrap(err, "db upsert failed in StoreBody")
}

// GetBody returns a cached message body, or nil on a miss.
func (db *DB) GetBody(ctx context.Context, account, folder string, uid uint32) (*message.Body, error) {
	const q = `SELECT body_text, body_html, attachments FROM email_body
		WHERE account = $1 AND folder = $2 AND uid = $3`
	var body message.Body
	var text, html, attachments sql.NullString
	err := db.db.QueryRowContext(ctx, q, account, folder, uid).Scan(&text, &html, &attachments)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in GetBody")
	}
	body.UID = uid
	body.Text = text.String
	body.HTML = html.String
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &body.Attachments); err != nil {
			return nil, errors.Wrap(err, "unmarshal attachments failed")
		}
	}
	return &body, nil
}

// DeleteMessage removes one message from the index, metadata and body
// tables.  Used when the server no longer has the message.
func (db *DB) DeleteMessage(ctx context.Context, account, folder string, uid uint32) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	for _, table := range []string{"message_index", "email_metadata", "email_body"} {
		q := fmt.Sprintf("DELETE FROM %s WHERE account = $1 AND folder = $2 AND uid = $3", table)
		if _, err := tx.ExecContext(ctx, q, account, folder, uid); err != nil {
			return errors.Wrapf(err, "db delete failed in %s", table)
		}
	}
	return errors.Wrap(tx.Commit(), "commit failed for message delete")
}

// Prune deletes index entries older than cutoff and returns how many
// rows went away.
func (db *DB) Prune(ctx context.Context, account string, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM message_index WHERE account = $1 AND internal_date < $2`
	res, err := db.db.ExecContext(ctx, q, account, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "db delete failed in Prune")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected failed in Prune")
}

// ClearAccount wipes one account's index entries and checkpoint.
// Other accounts are untouched.
func (db *DB) ClearAccount(ctx context.Context, account string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_index WHERE account = $1", account); err != nil {
		return errors.Wrap(err, "db delete failed for message_index")
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sync_state WHERE account = $1", account); err != nil {
		return errors.Wrap(err, "db delete failed for sync_state")
	}
	return errors.Wrap(tx.Commit(), "commit failed for account clear")
}

// GetStats returns cache-wide counts.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{PerAccount: make(map[string]int64)}
	if err := db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_index").Scan(&stats.TotalMessages); err != nil {
		return Stats{}, errors.Wrap(err, "db count failed in GetStats")
	}
	rows, err := db.db.QueryContext(ctx,
		"SELECT account, COUNT(*) FROM message_index GROUP BY account")
	if err != nil {
		return Stats{}, errors.Wrap(err, "db query failed in GetStats")
	}
	defer rows.Close()
	for rows.Next() {
		var account string
		var count int64
		if err := rows.Scan(&account, &count); err != nil {
			return Stats{}, errors.Wrap(err, "db scan failed in GetStats")
		}
		stats.PerAccount[account] = count
	}
	return stats, errors.Wrap(rows.Err(), "db rows failed in GetStats")
}

// GetAccountStats returns counts and checkpoint data for one account.
func (db *DB) GetAccountStats(ctx context.Context, account string) (AccountStats, error) {
	var stats AccountStats
	if err := db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_index WHERE account = $1",
		account).Scan(&stats.MessageCount); err != nil {
		return AccountStats{}, errors.Wrap(err, "db count failed in GetAccountStats")
	}
	cp, ok, err := db.GetCheckpoint(ctx, account)
	if err != nil {
		return AccountStats{}, err
	}
	if ok {
		stats.HasSynced = true
		stats.MaxMID = cp.MaxMID
		stats.LastSync = cp.LastSyncDate
	}
	return stats, nil
}
