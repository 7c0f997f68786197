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

// Package utf7 converts IMAP mailbox names between their wire form and
// Unicode.
//
// IMAP mailbox names use a modified UTF-7: shift sequences are
// introduced by '&' (instead of '+') and terminated by '-', and the
// base64 alphabet inside a shift sequence uses ',' in place of '/'.  A
// literal '&' is written as "&-".  Printable ASCII (0x20-0x7e) passes
// through unescaped.
//
// The same names serve as cache and configuration keys, so Decode and
// Encode are applied at every boundary crossing.  Decode never fails:
// a malformed or truncated shift sequence is passed through untouched
// rather than aborting the whole conversion, because a best-effort
// folder name is still a usable key.
package utf7

import (
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

// Decode converts a wire-form mailbox name to Unicode.
func Decode(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '&' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '-' {
			b.WriteByte('&')
			i += 2
			continue
		}
		// Shift sequence.  A missing terminator means the rest
		// of the string is the encoded tail.
		end := strings.IndexByte(s[i+1:], '-')
		var seg string
		var next int
		if end < 0 {
			seg = s[i+1:]
			next = len(s)
		} else {
			seg = s[i+1 : i+1+end]
			next = i + 1 + end + 1
		}
		decoded, err := decodeSegment(seg)
		if err != nil {
			// Pass the raw segment through rather than
			// failing the whole name.
			b.WriteString(s[i:next])
		} else {
			b.WriteString(decoded)
		}
		i = next
	}
	return b.String()
}

// Encode converts a Unicode mailbox name to its wire form.
func Encode(s string) string {
	if !needsEncoding(s) {
		return s
	}

	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '&':
			b.WriteString("&-")
			i++
		case r >= 0x20 && r <= 0x7e:
			b.WriteRune(r)
			i++
		default:
			j := i
			for j < len(runes) && !(runes[j] >= 0x20 && runes[j] <= 0x7e) {
				j++
			}
			b.WriteByte('&')
			b.WriteString(encodeSegment(runes[i:j]))
			b.WriteByte('-')
			i = j
		}
	}
	return b.String()
}

func needsEncoding(s string) bool {
	for _, r := range s {
		if r == '&' || r < 0x20 || r > 0x7e {
			return true
		}
	}
	return false
}

func decodeSegment(seg string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.ReplaceAll(seg, ",", "/"))
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		// UTF-16 is two bytes per unit; a trailing odd byte is
		// base64 bit padding and carries no character.
		raw = raw[:len(raw)-1]
	}
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
	}
	return string(utf16.Decode(units)), nil
}

func encodeSegment(runes []rune) string {
	units := utf16.Encode(runes)
	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		raw = append(raw, byte(u>>8), byte(u))
	}
	enc := base64.RawStdEncoding.EncodeToString(raw)
	return strings.ReplaceAll(enc, "/", ",")
}
