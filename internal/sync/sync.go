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

// Package sync derives provider message IDs by global chronological
// ranking.  One trusted baseline message anchors the first pass; later
// passes continue a running counter from the checkpoint.  The model
// assumes the provider assigns IDs append-only across all folders
// combined, so a message's ID is its rank in arrival order relative to
// the anchor.
package sync

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"marmstrong/maillink/internal/message"
	"marmstrong/maillink/internal/utf7"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Engine runs sync passes for one account.  Callers must serialize
// passes per account; the engine itself holds no lock.
type Engine struct {
	Account  string
	Mail     MailStorage
	Store    CheckpointStore
	Baseline message.Baseline
}

// Sync runs one full or incremental pass and returns how many entries
// it committed.  Per-folder failures are logged and skipped; a total
// failure to reach the mail server aborts before any commit, leaving
// prior cache state untouched.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	cp, haveCP, err := e.Store.GetCheckpoint(ctx, e.Account)
	if err != nil {
		return 0, err
	}
	since := e.Baseline.Date
	if haveCP {
		since = cp.LastSyncDate
		log.Println("Incremental sync since", since, "for", e.Account)
	} else {
		log.Println("Full sync from baseline date", since, "for", e.Account)
	}

	dated, err := e.scanFolders(ctx, since)
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan folders")
	}
	if len(dated) == 0 {
		return 0, nil
	}

	entries := e.assign(dated, cp, haveCP)
	newCP := checkpointAfter(entries)
	if err := e.Store.CommitSyncPass(ctx, e.Account, entries, newCP); err != nil {
		return 0, errors.Wrap(err, "failed to commit sync pass")
	}
	log.Println("Synced", len(entries), "messages for", e.Account,
		"up to", newCP.LastSyncDate)
	return len(entries), nil
}

// scanFolders collects (folder, uid, internal date) for every message
// on or after since, across all folders.  Folder names stay in their
// decoded form from here on.
func (e *Engine) scanFolders(ctx context.Context, since time.Time) ([]message.Dated, error) {
	wireNames, err := e.Mail.ListFolders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list folders")
	}

	grp, ctx := errgroup.WithContext(ctx)
	found := make(chan message.Dated, 1000)
	var failedCount int32
	for _, wire := range wireNames {
		wire := wire
		grp.Go(func() error {
			folder := utf7.Decode(wire)
			if err := e.scanFolder(ctx, wire, folder, since, found); err != nil {
				// Skip the folder, keep the pass going.
				log.Println("Skipping folder", folder, "after error:", err)
				atomic.AddInt32(&failedCount, 1)
			}
			return nil
		})
	}

	var dated []message.Dated
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for d := range found {
			dated = append(dated, d)
		}
	}()
	err = grp.Wait()
	close(found)
	<-collected
	if err != nil {
		return nil, err
	}
	if len(wireNames) > 0 && int(failedCount) == len(wireNames) {
		return nil, errors.New("all folders failed; mail server unreachable")
	}
	return dated, nil
}

func (e *Engine) scanFolder(ctx context.Context, wire, folder string, since time.Time, found chan<- message.Dated) error {
	uids, err := e.Mail.SearchSince(ctx, wire, since)
	if err != nil {
		return errors.Wrapf(err, "unable to search %q", folder)
	}
	for _, uid := range uids {
		date, err := e.Mail.FetchInternalDate(ctx, wire, uid)
		if err != nil {
			log.Println("Skipping", folder, "uid", uid, "after error:", err)
			continue
		}
		// SINCE has date granularity and servers differ in how
		// they evaluate it, so the exact cutoff is enforced here.
		if date.Before(since) {
			continue
		}
		select {
		case found <- message.Dated{Folder: folder, UID: uid, InternalDate: date}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// assign ranks the batch chronologically and turns ranks into IDs.
// When the baseline message is present in the batch its known ID
// anchors every position, above and below.  Otherwise the pass is a
// monotonic continuation: the counter resumes from the checkpoint and
// increments once per message, without revisiting earlier entries.
// Continuation counts blindly, so provider-side ID gaps accumulate as
// drift until the next baseline-anchored pass.
func (e *Engine) assign(dated []message.Dated, cp message.Checkpoint, haveCP bool) []message.IndexEntry {
	sort.Slice(dated, func(i, j int) bool {
		a, b := dated[i], dated[j]
		if !a.InternalDate.Equal(b.InternalDate) {
			return a.InternalDate.Before(b.InternalDate)
		}
		if a.Folder != b.Folder {
			return a.Folder < b.Folder
		}
		return a.UID < b.UID
	})

	baselinePos := -1
	for i, d := range dated {
		if d.Folder == e.Baseline.Folder && d.UID == e.Baseline.UID {
			baselinePos = i
			break
		}
	}

	entries := make([]message.IndexEntry, len(dated))
	for i, d := range dated {
		var mid int64
		switch {
		case baselinePos >= 0:
			mid = e.Baseline.MID + int64(i-baselinePos)
		case haveCP:
			mid = cp.MaxMID + int64(i) + 1
		default:
			mid = e.Baseline.MID + int64(i) + 1
		}
		entries[i] = message.IndexEntry{
			Folder:       d.Folder,
			UID:          d.UID,
			InternalDate: d.InternalDate,
			MID:          mid,
		}
	}
	return entries
}

func checkpointAfter(entries []message.IndexEntry) message.Checkpoint {
	var cp message.Checkpoint
	for _, e := range entries {
		if e.InternalDate.After(cp.LastSyncDate) {
			cp.LastSyncDate = e.InternalDate
		}
		if e.MID > cp.MaxMID {
			cp.MaxMID = e.MID
		}
	}
	return cp
}
