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

package sync

// This file provides the collaborator interfaces used by the rest of
// the package.

import (
	"context"
	"time"

	"marmstrong/maillink/internal/message"
)

// FolderLister lists all folder wire names from a mail storage system.
type FolderLister interface {
	ListFolders(ctx context.Context) ([]string, error)
}

// MessageScanner finds messages and their arrival times in one folder
// of a mail storage system.
type MessageScanner interface {
	SearchSince(ctx context.Context, folder string, since time.Time) ([]uint32, error)
	FetchInternalDate(ctx context.Context, folder string, uid uint32) (time.Time, error)
}

// MailStorage provides all actions the sync engine needs from a mail
// storage system.
type MailStorage interface {
	FolderLister
	MessageScanner
}

// CheckpointStore reads and atomically writes one account's index
// entries and sync checkpoint.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, account string) (message.Checkpoint, bool, error)
	CommitSyncPass(ctx context.Context, account string, entries []message.IndexEntry, cp message.Checkpoint) error
}
