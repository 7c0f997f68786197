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

package webapi

import (
	"regexp"
	"strings"
	"time"

	"marmstrong/maillink/internal/message"
)

// The two ID spaces share no common key, so matching leans on the only
// cross-referenceable signals: subject text and timestamp proximity.

var replyPrefixRe = regexp.MustCompile(`(?i)^(re:\s*|fwd:\s*)+`)

// DefaultMatchWindow is how far apart two timestamps may be and still
// describe the same message.  Empirical, not a protocol guarantee.
const DefaultMatchWindow = 2 * time.Minute

// Matcher pairs IMAP messages with provider-side messages.
type Matcher struct {
	// Window overrides DefaultMatchWindow when positive.
	Window time.Duration
}

func (m Matcher) window() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return DefaultMatchWindow
}

// normalizeSubject strips reply/forward prefixes and case so "Re: Budget"
// and "budget" group together.
func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	s = replyPrefixRe.ReplaceAllString(s, "")
	return strings.ToLower(strings.TrimSpace(s))
}

// Match returns, per IMAP UID, the provider message it pairs with.  A
// unique subject match wins outright; among multiple candidates the
// closest timestamp wins only if it falls inside the window.
func (m Matcher) Match(imapMsgs []message.Summary, webMsgs []message.WebMessage) map[uint32]message.WebMessage {
	bySubject := make(map[string][]message.WebMessage)
	for _, w := range webMsgs {
		key := normalizeSubject(w.Subject)
		bySubject[key] = append(bySubject[key], w)
	}

	matched := make(map[uint32]message.WebMessage)
	for _, im := range imapMsgs {
		candidates := bySubject[normalizeSubject(im.Subject)]
		switch len(candidates) {
		case 0:
		case 1:
			matched[im.UID] = candidates[0]
		default:
			best, ok := closest(im.Date, candidates, m.window())
			if ok {
				matched[im.UID] = best
			}
		}
	}
	return matched
}

func closest(t time.Time, candidates []message.WebMessage, window time.Duration) (message.WebMessage, bool) {
	var best message.WebMessage
	bestDiff := time.Duration(-1)
	for _, c := range candidates {
		diff := t.Sub(c.Date)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = c
		}
	}
	if bestDiff < 0 || bestDiff >= window {
		return message.WebMessage{}, false
	}
	return best, true
}
