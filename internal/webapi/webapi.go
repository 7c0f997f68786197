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

// Package webapi fetches true provider message IDs through the mail
// provider's web interface API and reconciles them against IMAP
// messages.  Authentication is a browser cookie session; without one
// the whole feature quietly turns itself off.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"marmstrong/maillink/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// ReconcileStore is how verified IDs reach the cache.
type ReconcileStore interface {
	UpsertMessages(ctx context.Context, account string, entries []message.IndexEntry) error
	SetFolderReference(ctx context.Context, account, folder string, ref message.FolderReference) error
}

// Folder is one provider-side folder with its numeric ID.
type Folder struct {
	FID  int64
	Name string
}

// imapToWebFolder maps common IMAP folder names to the names the web
// interface uses for the same folders.
var imapToWebFolder = map[string]string{
	"INBOX":        "Inbox",
	"Отправленные": "Sent",
	"Спам":         "Spam",
	"Удаленные":    "Trash",
	"Черновики":    "Drafts",
	"Архив":        "Archive",
}

var ckeyRe = regexp.MustCompile(`id="qu-json-config"[^>]*>([^<]+)`)

// Client talks to the provider's touch-interface API.
type Client struct {
	http      *http.Client
	scheme    string
	urlPrefix string
	ckey      string
	limiter   *rate.Limiter

	// folderIDs supplements the fetched folder list for accounts
	// whose folder names match neither the alias table nor the
	// web-side names.
	folderIDs map[string]int64

	hasCookies bool
}

// NewClient builds a client for the web interface at
// https://{urlPrefix}/.  cookiesFile is a Netscape cookies.txt export;
// a missing or empty file leaves the client unauthenticated, which
// makes reconciliation a no-op rather than an error.
func NewClient(urlPrefix, cookiesFile string, folderIDs map[string]int64) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create cookie jar")
	}
	c := &Client{
		http:      &http.Client{Jar: jar, Timeout: 30 * time.Second},
		scheme:    "https",
		urlPrefix: urlPrefix,
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
		folderIDs: folderIDs,
	}
	if cookiesFile == "" {
		return c, nil
	}
	cookies, err := loadCookies(cookiesFile)
	if err != nil {
		log.Println("Web API disabled:", err)
		return c, nil
	}
	u := &url.URL{Scheme: c.scheme, Host: urlPrefix}
	jar.SetCookies(u, cookies)
	c.hasCookies = len(cookies) > 0
	return c, nil
}

// loadCookies parses a Netscape cookies.txt file.  Lines are
// tab-separated: domain, include-subdomains flag, path, secure flag,
// expiry, name, value.  "#HttpOnly_" prefixed lines are cookies, any
// other "#" line is a comment.
func loadCookies(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read cookies file %q", path)
	}
	var cookies []*http.Cookie
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Domain: fields[0],
			Path:   fields[2],
			Secure: fields[3] == "TRUE",
			Name:   fields[5],
			Value:  fields[6],
		})
	}
	return cookies, nil
}

// Enabled reports whether the client carries an authenticated session.
func (c *Client) Enabled() bool { return c.hasCookies }

// fetchCKey scrapes the session key the models API requires from the
// touch interface's embedded page config.
func (c *Client) fetchCKey(ctx context.Context) (string, error) {
	if c.ckey != "" {
		return c.ckey, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s://%s/touch/folder/1", c.scheme, c.urlPrefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "unable to form page request")
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "unable to fetch touch page")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("touch page returned %s", resp.Status)
	}
	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "unable to read touch page")
	}

	m := ckeyRe.FindSubmatch(html)
	if m == nil {
		return "", errors.New("page config not found; session cookies may have expired")
	}
	var pageConfig struct {
		SK string `json:"sk"`
	}
	if err := json.Unmarshal(m[1], &pageConfig); err != nil {
		return "", errors.Wrap(err, "unable to parse page config")
	}
	if pageConfig.SK == "" {
		return "", errors.New("page config has no session key")
	}
	c.ckey = pageConfig.SK
	return c.ckey, nil
}

const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

type modelRequest struct {
	Name   string       `json:"name"`
	Params *modelParams `json:"params,omitempty"`
}

type modelParams struct {
	FID   string `json:"fid"`
	First int    `json:"first"`
	Count int    `json:"count"`
}

type modelsResponse struct {
	Models []struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Data   json.RawMessage `json:"data"`
	} `json:"models"`
}

// callModels posts one model request to the models API and returns the
// model's raw data payload.
func (c *Client) callModels(ctx context.Context, model modelRequest) (json.RawMessage, error) {
	ckey, err := c.fetchCKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(struct {
		Models []modelRequest `json:"models"`
		CKey   string         `json:"_ckey"`
	}{Models: []modelRequest{model}, CKey: ckey})
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal models request")
	}
	u := fmt.Sprintf("%s://%s/touch/api/models", c.scheme, c.urlPrefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "unable to form models request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "models request %q failed", model.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("models request %q returned %s", model.Name, resp.Status)
	}

	var decoded modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "unable to decode models response")
	}
	if len(decoded.Models) == 0 {
		return nil, errors.New("models response is empty")
	}
	if decoded.Models[0].Status != "ok" {
		return nil, errors.Errorf("models request %q failed: %s",
			model.Name, decoded.Models[0].Error)
	}
	return decoded.Models[0].Data, nil
}

// FetchFolders returns the provider's folder list with numeric IDs.
func (c *Client) FetchFolders(ctx context.Context) ([]Folder, error) {
	data, err := c.callModels(ctx, modelRequest{Name: "folders"})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Folders []struct {
			FID  string `json:"fid"`
			Name string `json:"name"`
		} `json:"folders"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "unable to parse folders payload")
	}
	folders := make([]Folder, 0, len(payload.Folders))
	for _, f := range payload.Folders {
		fid, err := strconv.ParseInt(f.FID, 10, 64)
		if err != nil {
			log.Println("Skipping folder with non-numeric fid:", f.FID)
			continue
		}
		folders = append(folders, Folder{FID: fid, Name: f.Name})
	}
	return folders, nil
}

// FetchMessages returns up to count most-recent messages from one
// provider folder, each carrying its true message and thread ID.
func (c *Client) FetchMessages(ctx context.Context, fid int64, first, count int) ([]message.WebMessage, error) {
	data, err := c.callModels(ctx, modelRequest{
		Name: "messages",
		Params: &modelParams{
			FID:   strconv.FormatInt(fid, 10),
			First: first,
			Count: count,
		},
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []struct {
			MID     string `json:"mid"`
			TIDRaw  string `json:"tidRaw"`
			Subject string `json:"subject"`
			Date    struct {
				Timestamp int64 `json:"timestamp"` // milliseconds
			} `json:"date"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "unable to parse messages payload")
	}

	msgs := make([]message.WebMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		mid, err := strconv.ParseInt(m.MID, 10, 64)
		if err != nil {
			log.Println("Skipping message with non-numeric mid:", m.MID)
			continue
		}
		// The thread ID comes without its "t" prefix; absent,
		// the message is its own thread.
		tid := mid
		if m.TIDRaw != "" {
			if parsed, err := strconv.ParseInt(m.TIDRaw, 10, 64); err == nil {
				tid = parsed
			}
		}
		msgs = append(msgs, message.WebMessage{
			MID:     mid,
			TID:     tid,
			Subject: m.Subject,
			Date:    time.UnixMilli(m.Date.Timestamp).UTC(),
		})
	}
	return msgs, nil
}

// Reconcile matches IMAP messages against provider-side messages and
// records every verified (mid, tid) pair, overwriting prior estimates.
// It returns the number of verified pairs.  Without an authenticated
// session it does nothing and returns 0; the feature is optional.
func (c *Client) Reconcile(ctx context.Context, store ReconcileStore, account string,
	imapByFolder map[string][]message.Summary, countPerFolder int, matcher Matcher) (int, error) {
	if !c.hasCookies {
		return 0, nil
	}

	folders, err := c.FetchFolders(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "unable to fetch web folder list")
	}
	nameToFID := make(map[string]int64, len(folders))
	for _, f := range folders {
		nameToFID[f.Name] = f.FID
	}

	var total int
	var entries []message.IndexEntry
	for folder, imapMsgs := range imapByFolder {
		if len(imapMsgs) == 0 {
			continue
		}
		fid, ok := c.resolveFID(folder, nameToFID)
		if !ok {
			log.Println("No web folder for", folder, "- skipping")
			continue
		}
		webMsgs, err := c.FetchMessages(ctx, fid, 0, countPerFolder)
		if err != nil {
			log.Println("Skipping folder", folder, "after error:", err)
			continue
		}

		matched := matcher.Match(imapMsgs, webMsgs)
		if len(matched) == 0 {
			continue
		}

		var refUID uint32
		for _, m := range imapMsgs {
			web, ok := matched[m.UID]
			if !ok {
				continue
			}
			entries = append(entries, message.IndexEntry{
				Folder:       folder,
				UID:          m.UID,
				InternalDate: m.Date,
				MID:          web.MID,
				TID:          web.TID,
			})
			if m.UID > refUID {
				refUID = m.UID
			}
		}
		// Anchor linear estimation at the newest verified pair.
		if err := store.SetFolderReference(ctx, account, folder, message.FolderReference{
			UID: refUID,
			MID: matched[refUID].MID,
		}); err != nil {
			return 0, errors.Wrapf(err, "unable to set reference for %q", folder)
		}
		total += len(matched)
	}

	if len(entries) > 0 {
		if err := store.UpsertMessages(ctx, account, entries); err != nil {
			return 0, errors.Wrap(err, "unable to store verified IDs")
		}
		log.Println("Verified", total, "message IDs for", account)
	}
	return total, nil
}

func (c *Client) resolveFID(imapFolder string, nameToFID map[string]int64) (int64, bool) {
	webName := imapFolder
	if alias, ok := imapToWebFolder[imapFolder]; ok {
		webName = alias
	}
	if fid, ok := nameToFID[webName]; ok {
		return fid, true
	}
	fid, ok := c.folderIDs[imapFolder]
	return fid, ok
}
