package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// IndexEntry maps one IMAP message to its provider-side message ID.
// Entries are keyed by (account, folder, uid); the account is carried
// separately by the persist layer.
type IndexEntry struct {
	// Human-readable (decoded) folder name.
	Folder string

	// IMAP UID within the folder.
	UID uint32

	// Server-recorded arrival time, authoritative for
	// chronological ordering.
	InternalDate time.Time

	// The provider message ID ("mid") used in web URLs.  Either
	// verified via the web API or estimated.
	MID int64

	// Provider thread ID.  Zero means unknown; readers fall back
	// to MID.
	TID int64
}

// Checkpoint records how far synchronization has progressed for one
// account.
type Checkpoint struct {
	// Internal date of the most recently synced message.
	LastSyncDate time.Time

	// Highest provider ID assigned so far.
	MaxMID int64
}

// FolderReference is a trusted (UID, MID) anchor for one folder, used
// for linear estimation when no exact mapping is cached.
type FolderReference struct {
	UID uint32
	MID int64
}

// Baseline is the one fully-trusted mapping supplied by configuration.
// It anchors all estimation for an account.
type Baseline struct {
	Folder string
	UID    uint32
	MID    int64
	Date   time.Time
}

// Metadata holds the cached header-level view of a message.
type Metadata struct {
	UID        uint32
	Subject    string
	Sender     string
	Recipients []string
	Date       time.Time
	Flags      []string
}

// Body holds the cached content of a message.
type Body struct {
	UID         uint32
	Text        string
	HTML        string
	Attachments []string
}

// Summary is the minimal view of an IMAP message needed to match it
// against provider-side candidates: its UID plus the two signals the
// two ID spaces share (subject text and timestamp).
type Summary struct {
	UID     uint32
	Subject string
	Date    time.Time
}

// WebMessage is a provider-side message as reported by the web API,
// carrying the true IDs the IMAP protocol never exposes.
type WebMessage struct {
	MID     int64
	TID     int64
	Subject string
	Date    time.Time
}

// Dated is the (folder, uid, arrival) tuple collected during a sync
// pass, before an ID has been assigned.
type Dated struct {
	Folder       string
	UID          uint32
	InternalDate time.Time
}
