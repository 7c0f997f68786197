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

// Package link turns (folder, uid) pairs into web interface URLs.  It
// works down an ordered chain of tiers, from cached exact IDs to a
// bare folder URL, and never fails just because the result is inexact:
// a wrong-but-navigable link beats no link.
package link

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"marmstrong/maillink/internal/estimate"
	"marmstrong/maillink/internal/message"
	"marmstrong/maillink/internal/utf7"

	"golang.org/x/sync/singleflight"
)

// Tier names which rung of the fallback chain produced a URL.  The
// public contract is only the URL; the tier exists so tests and logs
// can tell exact answers from guesses.
type Tier int

const (
	// TierCached is an exact ID already in the store.
	TierCached Tier = iota
	// TierSynced is an exact-or-ranked ID found after an on-demand
	// sync pass.
	TierSynced
	// TierFormula is a timestamp-formula estimate.
	TierFormula
	// TierReference is a linear estimate off a folder anchor.
	TierReference
	// TierBaseline is the baseline message's own URL.
	TierBaseline
	// TierFolderOnly is a folder URL with no thread ID.
	TierFolderOnly
)

func (t Tier) String() string {
	switch t {
	case TierCached:
		return "cached"
	case TierSynced:
		return "synced"
	case TierFormula:
		return "formula"
	case TierReference:
		return "reference"
	case TierBaseline:
		return "baseline"
	case TierFolderOnly:
		return "folder-only"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Strategy selects the estimation model for cache misses.  The two
// models put different meanings in the stored ID, so one account must
// never mix them.
type Strategy string

const (
	// StrategyGlobal ranks messages chronologically against a
	// baseline via the sync engine.
	StrategyGlobal Strategy = "global"
	// StrategyFormula computes IDs from timestamps, no mail server
	// round-trip needed.
	StrategyFormula Strategy = "formula"
)

// IDStore is the read side of the cache the calculator consults.
type IDStore interface {
	GetIDs(ctx context.Context, account, folder string, uid uint32) (mid, tid int64, ok bool, err error)
	GetFolderReference(ctx context.Context, account, folder string) (message.FolderReference, bool, error)
}

// Syncer runs one sync pass.  Only StrategyGlobal uses it.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

// Calculator resolves URLs for one account.
type Calculator struct {
	Account   string
	Store     IDStore
	Syncer    Syncer
	Strategy  Strategy
	Params    estimate.Params
	URLPrefix string
	// FolderIDs maps decoded folder names to the web interface's
	// numeric folder IDs.  Unmapped folders get the inbox, 1.
	FolderIDs map[string]int64
	Baseline  message.Baseline

	// A miss triggers at most one sync per calculator lifetime;
	// repeated misses must not repeat the full scan.  The mutex
	// guards the flag, the group collapses concurrent first misses.
	mu     sync.Mutex
	synced bool
	group  singleflight.Group
}

// URL returns a web URL for the message.  folder may be a wire name or
// an already-decoded one.  ts is the message's internal date when the
// caller knows it; pass the zero time otherwise.  Inexact results are
// reported through the tier, not through an error.
func (c *Calculator) URL(ctx context.Context, folder string, uid uint32, ts time.Time) (string, Tier, error) {
	folder = utf7.Decode(folder)

	_, tid, ok, err := c.Store.GetIDs(ctx, c.Account, folder, uid)
	if err != nil {
		return "", 0, err
	}
	if ok {
		return c.threadURL(folder, tid), TierCached, nil
	}

	if c.Strategy == StrategyFormula {
		return c.estimateURL(ctx, folder, uid, ts)
	}
	return c.syncedURL(ctx, folder, uid)
}

// syncedURL serves a miss under StrategyGlobal: sync once, re-check,
// then fall back to the baseline's own URL.
func (c *Calculator) syncedURL(ctx context.Context, folder string, uid uint32) (string, Tier, error) {
	if c.trySyncOnce(ctx) {
		_, tid, ok, err := c.Store.GetIDs(ctx, c.Account, folder, uid)
		if err != nil {
			return "", 0, err
		}
		if ok {
			return c.threadURL(folder, tid), TierSynced, nil
		}
	}
	// Possibly older than the baseline; hand back a link the user
	// can at least navigate from.
	log.Printf("No ID for %s/%d, falling back to baseline URL", folder, uid)
	return c.threadURL(c.Baseline.Folder, c.Baseline.MID), TierBaseline, nil
}

// trySyncOnce runs the sync engine at most once for this calculator,
// collapsing concurrent misses into a single pass.  It reports whether
// a cache re-check is worthwhile.
func (c *Calculator) trySyncOnce(ctx context.Context) bool {
	if c.Syncer == nil {
		return false
	}
	c.mu.Lock()
	done := c.synced
	c.mu.Unlock()
	if done {
		return true
	}

	_, err, _ := c.group.Do(c.Account, func() (interface{}, error) {
		c.mu.Lock()
		done := c.synced
		c.mu.Unlock()
		if done {
			return nil, nil
		}
		_, err := c.Syncer.Sync(ctx)
		// A failed attempt still counts: retrying on every miss
		// would hammer the mail server.
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()
		return nil, err
	})
	if err != nil {
		log.Println("On-demand sync failed:", err)
	}
	return err == nil
}

// estimateURL serves a miss under StrategyFormula without any network
// round-trip.
func (c *Calculator) estimateURL(ctx context.Context, folder string, uid uint32, ts time.Time) (string, Tier, error) {
	ref, hasRef, err := c.Store.GetFolderReference(ctx, c.Account, folder)
	if err != nil {
		return "", 0, err
	}
	if !ts.IsZero() {
		id := c.Params.Estimate(ts, uid, ref, hasRef)
		return c.threadURL(folder, id), TierFormula, nil
	}
	if hasRef {
		log.Printf("No timestamp for %s/%d, estimating from folder reference", folder, uid)
		return c.threadURL(folder, estimate.FromReference(uid, ref)), TierReference, nil
	}
	log.Printf("No ID, timestamp or reference for %s/%d, returning folder URL", folder, uid)
	return c.folderURL(folder), TierFolderOnly, nil
}

func (c *Calculator) folderID(folder string) int64 {
	if id, ok := c.FolderIDs[folder]; ok {
		return id
	}
	return 1
}

func (c *Calculator) threadURL(folder string, id int64) string {
	return fmt.Sprintf("https://%s/touch/folder/%d/thread/%d", c.URLPrefix, c.folderID(folder), id)
}

func (c *Calculator) folderURL(folder string) string {
	return fmt.Sprintf("https://%s/touch/folder/%d", c.URLPrefix, c.folderID(folder))
}
