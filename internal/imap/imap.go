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

// Package imap is the mail server collaborator.  It keeps one
// authenticated connection per client, reconnects once on a dropped
// connection, and owns all wire-level concerns: folder selection,
// searches, fetches, append and expunge.  Timeouts and retry policy
// live here, not in the callers.
package imap

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"marmstrong/maillink/internal/message"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// searchDateLayout is the canonical rendering of an IMAP SEARCH date
// for logs and error text.  The wire literal itself is written by the
// client library, which emits an unpadded day (legal under RFC 3501,
// where date-day is 1*2DIGIT) and the same title-case month.  The
// month casing is the part at least one server rejects when wrong;
// the exact time cutoff is never trusted to the server either way,
// since SINCE only has date granularity.
const searchDateLayout = "02-Jan-2006"

// FormatSearchDate renders t as a canonical SINCE/BEFORE date literal.
func FormatSearchDate(t time.Time) string {
	return t.Format(searchDateLayout)
}

// Config identifies one IMAP account.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// Client is a persistent IMAP connection for one account.  Safe for
// use from one goroutine at a time per method call; an internal mutex
// serializes access to the connection.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     *imapclient.Client
	selected string
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) dial() (*imapclient.Client, error) {
	addr := c.cfg.Host + ":" + c.cfg.Port
	var conn *imapclient.Client
	var err error
	if c.cfg.TLS {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", addr)
	}
	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		conn.Logout().Wait()
		return nil, errors.Wrapf(err, "authentication failed for %s", c.cfg.Username)
	}
	return conn, nil
}

// retryable reports whether err means the connection itself is
// suspect.  A tagged NO or BAD is a server answer over a live
// connection, so reconnecting would not help.
func retryable(err error) bool {
	var imapErr *imap.Error
	return !errors.As(err, &imapErr)
}

// do runs fn against the live connection, reconnecting once if the
// first attempt fails on a transport error.  The mutex is held
// throughout so commands never interleave.
func (c *Client) do(fn func(conn *imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return err
		}
		c.conn = conn
	}
	err := fn(c.conn)
	if err == nil {
		return nil
	}
	if !retryable(err) {
		return err
	}

	// One reconnect attempt; a dropped connection is routine on
	// long-lived clients.
	c.conn.Close()
	c.conn = nil
	c.selected = ""
	conn, dialErr := c.dial()
	if dialErr != nil {
		return errors.Wrapf(err, "retry failed too (%v)", dialErr)
	}
	c.conn = conn
	return fn(c.conn)
}

// ensureSelected selects folder read-only unless it is already the
// selected one.  Callers hold the mutex via do.
func (c *Client) ensureSelected(conn *imapclient.Client, folder string) error {
	if c.selected == folder {
		return nil
	}
	if _, err := conn.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		c.selected = ""
		return errors.Wrapf(err, "unable to select %q", folder)
	}
	c.selected = folder
	return nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	c.conn = nil
	c.selected = ""
	return err
}

// ListFolders returns every folder's wire name, still in modified
// UTF-7.  Decoding is the caller's concern.
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(func(conn *imapclient.Client) error {
		boxes, err := conn.List("", "*", nil).Collect()
		if err != nil {
			return errors.Wrap(err, "unable to list folders")
		}
		names = names[:0]
		for _, box := range boxes {
			names = append(names, box.Mailbox)
		}
		return nil
	})
	return names, err
}

// SearchSince returns the UIDs of messages in folder whose internal
// date is on or after since.
func (c *Client) SearchSince(ctx context.Context, folder string, since time.Time) ([]uint32, error) {
	var uids []uint32
	err := c.do(func(conn *imapclient.Client) error {
		if err := c.ensureSelected(conn, folder); err != nil {
			return err
		}
		data, err := conn.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
		if err != nil {
			return errors.Wrapf(err, "search SINCE %s failed in %q",
				FormatSearchDate(since), folder)
		}
		uids = uids[:0]
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

// SearchAll returns every UID in folder.
func (c *Client) SearchAll(ctx context.Context, folder string) ([]uint32, error) {
	var uids []uint32
	err := c.do(func(conn *imapclient.Client) error {
		if err := c.ensureSelected(conn, folder); err != nil {
			return err
		}
		data, err := conn.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return errors.Wrapf(err, "search failed in %q", folder)
		}
		uids = uids[:0]
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

// FetchInternalDate fetches only the server-recorded arrival time of
// one message, the cheapest fetch the sync engine can make.  An
// absent message is reported after the round trip so it never reads
// as a dead connection.
func (c *Client) FetchInternalDate(ctx context.Context, folder string, uid uint32) (time.Time, error) {
	var bufs []*imapclient.FetchMessageBuffer
	err := c.do(func(conn *imapclient.Client) error {
		if err := c.ensureSelected(conn, folder); err != nil {
			return err
		}
		var err error
		bufs, err = conn.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:          true,
			InternalDate: true,
		}).Collect()
		return errors.Wrapf(err, "unable to fetch internal date of %q/%d", folder, uid)
	})
	if err != nil {
		return time.Time{}, err
	}
	if len(bufs) == 0 {
		return time.Time{}, errors.Errorf("message %q/%d not found", folder, uid)
	}
	return bufs[0].InternalDate.UTC(), nil
}

// FetchMetadata fetches header-level data for a batch of messages.
// Messages the server no longer has are silently absent from the
// result.
func (c *Client) FetchMetadata(ctx context.Context, folder string, uids []uint32) ([]message.Metadata, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var metas []message.Metadata
	err := c.do(func(conn *imapclient.Client) error {
		if err := c.ensureSelected(conn, folder); err != nil {
			return err
		}
		set := imap.UIDSet{}
		for _, uid := range uids {
			set.AddNum(imap.UID(uid))
		}
		bufs, err := conn.Fetch(set, &imap.FetchOptions{
			UID:      true,
			Envelope: true,
			Flags:    true,
		}).Collect()
		if err != nil {
			return errors.Wrapf(err, "unable to fetch metadata in %q", folder)
		}
		metas = metas[:0]
		for _, buf := range bufs {
			metas = append(metas, metadataFromBuffer(buf))
		}
		return nil
	})
	return metas, err
}

func metadataFromBuffer(buf *imapclient.FetchMessageBuffer) message.Metadata {
	m := message.Metadata{UID: uint32(buf.UID)}
	if env := buf.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date.UTC()
		if len(env.From) > 0 {
			m.Sender = env.From[0].Addr()
		}
		for _, to := range env.To {
			m.Recipients = append(m.Recipients, to.Addr())
		}
	}
	for _, flag := range buf.Flags {
		m.Flags = append(m.Flags, string(flag))
	}
	return m
}

// FetchBody fetches and parses one message's content.  The second
// return value is false when the server no longer has the message,
// which is not an error.
func (c *Client) FetchBody(ctx context.Context, folder string, uid uint32) (message.Body, bool, error) {
	var body message.Body
	var found bool
	err := c.do(func(conn *imapclient.Client) error {
		if err := c.ensureSelected(conn, folder); err != nil {
			return err
		}
		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := conn.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return errors.Wrapf(err, "unable to fetch body of %q/%d", folder, uid)
		}
		if len(bufs) == 0 {
			found = false
			return nil
		}
		found = true
		body = message.Body{UID: uid}
		if raw := bufs[0].FindBodySection(section); raw != nil {
			body.Text, body.HTML, body.Attachments = parseMIMEBody(raw)
		}
		return nil
	})
	return body, found, err
}

// parseMIMEBody splits a raw RFC 5322 message into its plain text and
// HTML bodies plus attachment file names.  A message that fails MIME
// parsing is treated as plain text wholesale.
func parseMIMEBody(raw []byte) (text, html string, attachments []string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				text = string(content)
			case strings.HasPrefix(contentType, "text/html"):
				html = string(content)
			}
		case *mail.AttachmentHeader:
			if filename, err := h.Filename(); err == nil && filename != "" {
				attachments = append(attachments, filename)
			}
		}
	}
	return text, html, attachments
}

// Append stores a raw message into folder with the given flags, the
// save-to-sent half of a send-and-save flow.
func (c *Client) Append(ctx context.Context, folder string, raw []byte, flags []string) error {
	return c.do(func(conn *imapclient.Client) error {
		opts := &imap.AppendOptions{Time: time.Now()}
		for _, f := range flags {
			opts.Flags = append(opts.Flags, imap.Flag(f))
		}
		cmd := conn.Append(folder, int64(len(raw)), opts)
		if _, err := cmd.Write(raw); err != nil {
			cmd.Close()
			return errors.Wrapf(err, "unable to write message to %q", folder)
		}
		if err := cmd.Close(); err != nil {
			return errors.Wrapf(err, "unable to append message to %q", folder)
		}
		_, err := cmd.Wait()
		return errors.Wrapf(err, "append to %q was rejected", folder)
	})
}

// Delete flags one message deleted and expunges the folder.
func (c *Client) Delete(ctx context.Context, folder string, uid uint32) error {
	return c.do(func(conn *imapclient.Client) error {
		// Deleting needs a writable selection.
		if _, err := conn.Select(folder, nil).Wait(); err != nil {
			c.selected = ""
			return errors.Wrapf(err, "unable to select %q", folder)
		}
		c.selected = folder
		set := imap.UIDSetNum(imap.UID(uid))
		storeCmd := conn.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return errors.Wrapf(err, "unable to flag %q/%d deleted", folder, uid)
		}
		if err := conn.Expunge().Close(); err != nil {
			return errors.Wrapf(err, "unable to expunge %q", folder)
		}
		return nil
	})
}
