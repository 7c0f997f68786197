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

// Package mailbox serves message listings and bodies cache-first.  A
// per-folder UID watermark keeps metadata sync incremental: only
// messages above the watermark are ever fetched again.
package mailbox

import (
	"context"
	"log"
	"strings"

	"marmstrong/maillink/internal/message"
	"marmstrong/maillink/internal/utf7"

	"github.com/pkg/errors"
)

// sentFolderNames are tried in order when discovering where a server
// keeps sent mail.
var sentFolderNames = []string{
	"Sent",
	"INBOX.Sent",
	"Sent Items",
	"Sent Messages",
	"[Gmail]/Sent Mail",
	"Отправленные",
	"INBOX/Sent",
}

// Mail is what the handler needs from the mail server.
type Mail interface {
	ListFolders(ctx context.Context) ([]string, error)
	SearchAll(ctx context.Context, folder string) ([]uint32, error)
	FetchMetadata(ctx context.Context, folder string, uids []uint32) ([]message.Metadata, error)
	FetchBody(ctx context.Context, folder string, uid uint32) (message.Body, bool, error)
	Append(ctx context.Context, folder string, raw []byte, flags []string) error
	Delete(ctx context.Context, folder string, uid uint32) error
}

// Store is what the handler needs from the cache.
type Store interface {
	GetWatermark(ctx context.Context, account, folder string) (uint32, error)
	SetWatermark(ctx context.Context, account, folder string, uid uint32) error
	UpsertMetadata(ctx context.Context, account, folder string, metas []message.Metadata) error
	MetadataPage(ctx context.Context, account, folder string, page, pageSize int, desc bool) ([]message.Metadata, int, error)
	GetBody(ctx context.Context, account, folder string, uid uint32) (*message.Body, error)
	StoreBody(ctx context.Context, account, folder string, body message.Body) error
	DeleteMessage(ctx context.Context, account, folder string, uid uint32) error
}

// Handler is the mailbox surface for one account.  Folder arguments
// may be wire names or decoded names; cache keys always use the
// decoded form and server calls the wire form.
type Handler struct {
	Account string
	Mail    Mail
	Store   Store
}

// ListFolders returns all folder names, decoded.
func (h *Handler) ListFolders(ctx context.Context) ([]string, error) {
	wireNames, err := h.Mail.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(wireNames))
	for i, wire := range wireNames {
		names[i] = utf7.Decode(wire)
	}
	return names, nil
}

// ListMetadata returns one page of message metadata for a folder.  New
// messages above the watermark are fetched and cached first; the page
// itself is always served from the cache.
func (h *Handler) ListMetadata(ctx context.Context, folder string, page, pageSize int, desc bool) ([]message.Metadata, int, error) {
	folder = utf7.Decode(folder)
	wire := utf7.Encode(folder)

	watermark, err := h.Store.GetWatermark(ctx, h.Account, folder)
	if err != nil {
		return nil, 0, err
	}

	uids, err := h.Mail.SearchAll(ctx, wire)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "unable to list messages in %q", folder)
	}
	var newUIDs []uint32
	maxUID := watermark
	for _, uid := range uids {
		if uid > watermark {
			newUIDs = append(newUIDs, uid)
		}
		if uid > maxUID {
			maxUID = uid
		}
	}

	if len(newUIDs) > 0 {
		log.Println("Fetching", len(newUIDs), "new messages in", folder,
			"above watermark", watermark)
		metas, err := h.Mail.FetchMetadata(ctx, wire, newUIDs)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "unable to fetch metadata in %q", folder)
		}
		if err := h.Store.UpsertMetadata(ctx, h.Account, folder, metas); err != nil {
			return nil, 0, err
		}
		if err := h.Store.SetWatermark(ctx, h.Account, folder, maxUID); err != nil {
			return nil, 0, err
		}
	}

	return h.Store.MetadataPage(ctx, h.Account, folder, page, pageSize, desc)
}

// GetBody returns one message's content, from the cache when possible.
// The second return value is false when the server no longer has the
// message; its stale cache rows are dropped in that case.
func (h *Handler) GetBody(ctx context.Context, folder string, uid uint32) (message.Body, bool, error) {
	folder = utf7.Decode(folder)

	cached, err := h.Store.GetBody(ctx, h.Account, folder, uid)
	if err != nil {
		return message.Body{}, false, err
	}
	if cached != nil {
		return *cached, true, nil
	}

	body, found, err := h.Mail.FetchBody(ctx, utf7.Encode(folder), uid)
	if err != nil {
		return message.Body{}, false, errors.Wrapf(err, "unable to fetch body of %q/%d", folder, uid)
	}
	if !found {
		// Gone from the server; stale cache rows would keep
		// resurrecting it.
		log.Println("Message", folder, uid, "gone from server, invalidating cache")
		if err := h.Store.DeleteMessage(ctx, h.Account, folder, uid); err != nil {
			return message.Body{}, false, err
		}
		return message.Body{}, false, nil
	}
	if err := h.Store.StoreBody(ctx, h.Account, folder, body); err != nil {
		return message.Body{}, false, err
	}
	return body, true, nil
}

// Delete removes messages from the server and the cache.  It returns
// the UIDs that were deleted and the ones that failed.
func (h *Handler) Delete(ctx context.Context, folder string, uids []uint32) (deleted, failed []uint32, err error) {
	folder = utf7.Decode(folder)
	wire := utf7.Encode(folder)

	for _, uid := range uids {
		if err := h.Mail.Delete(ctx, wire, uid); err != nil {
			log.Println("Failed to delete", folder, uid, ":", err)
			failed = append(failed, uid)
			continue
		}
		if err := h.Store.DeleteMessage(ctx, h.Account, folder, uid); err != nil {
			return deleted, failed, err
		}
		deleted = append(deleted, uid)
	}
	return deleted, failed, nil
}

// SaveToSent appends a raw message to the server's sent folder with
// the \Seen flag.  It reports false, without error, when no sent
// folder could be found.
func (h *Handler) SaveToSent(ctx context.Context, raw []byte) (bool, error) {
	folder, ok, err := h.findSentFolder(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Println("Sent folder not found, message will not be saved")
		return false, nil
	}
	if err := h.Mail.Append(ctx, folder, raw, []string{"\\Seen"}); err != nil {
		return false, err
	}
	return true, nil
}

// lastSegment returns the part of a folder name after the final
// hierarchy delimiter.
func lastSegment(name string) string {
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// findSentFolder returns the wire name of the server's sent folder.
// Known names are tried first, then any folder whose decoded final
// segment starts with a sent word.  Matching anywhere in the name
// would catch folders like "Present" or "Unsent Drafts".
func (h *Handler) findSentFolder(ctx context.Context) (string, bool, error) {
	wireNames, err := h.Mail.ListFolders(ctx)
	if err != nil {
		return "", false, errors.Wrap(err, "unable to list folders")
	}

	for _, want := range sentFolderNames {
		want = strings.ToLower(want)
		for _, wire := range wireNames {
			decoded := strings.ToLower(utf7.Decode(wire))
			if decoded == want || lastSegment(decoded) == want {
				return wire, true, nil
			}
		}
	}
	for _, wire := range wireNames {
		seg := lastSegment(strings.ToLower(utf7.Decode(wire)))
		if strings.HasPrefix(seg, "sent") || strings.HasPrefix(seg, "отправлен") {
			return wire, true, nil
		}
	}
	return "", false, nil
}
