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

package imap

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

func TestFormatSearchDate(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		// The canonical rendering zero-pads the day and keeps the
		// month title case.
		{time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC), "05-Mar-2024"},
		{time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC), "31-Dec-2023"},
		{time.Date(2024, time.January, 1, 23, 59, 59, 0, time.UTC), "01-Jan-2024"},
	}
	for _, test := range tests {
		got := FormatSearchDate(test.at)
		if got != test.want {
			t.Errorf("FormatSearchDate(%v) = %q, want %q", test.at, got, test.want)
		}
		if got != strings.TrimSpace(got) || strings.ToUpper(got) == got {
			t.Errorf("FormatSearchDate(%v) = %q is not title-cased", test.at, got)
		}
	}
}

// scriptedServer speaks just enough IMAP over a pipe to let a client
// log in, select and search, recording every command line it is sent.
type scriptedServer struct {
	mu    sync.Mutex
	lines []string
}

func (s *scriptedServer) serve(conn net.Conn) {
	fmt.Fprintf(conn, "* OK [CAPABILITY IMAP4rev1] ready\r\n")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()
		tag, _, _ := strings.Cut(line, " ")
		fmt.Fprintf(conn, "%s OK done\r\n", tag)
	}
}

func (s *scriptedServer) commandContaining(substr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return ""
}

// TestSearchSinceWireDateLiteral pins what a SINCE search actually
// puts on the wire.  The date literal must parse under the IMAP
// layout with a title-case month; the day may be one or two digits,
// which RFC 3501 permits (date-day is 1*2DIGIT), so the exact cutoff
// is never entrusted to the server.
func TestSearchSinceWireDateLiteral(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	srv := &scriptedServer{}
	go srv.serve(serverConn)

	c := imapclient.New(clientConn, nil)
	defer c.Close()
	if err := c.Login("user", "pass").Wait(); err != nil {
		t.Fatalf("scripted login failed: %v", err)
	}
	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("scripted select failed: %v", err)
	}
	since := time.Date(2025, time.June, 5, 0, 0, 0, 0, time.UTC)
	if _, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait(); err != nil {
		t.Fatalf("scripted search failed: %v", err)
	}

	line := srv.commandContaining("SEARCH")
	if line == "" {
		t.Fatal("no SEARCH command reached the server")
	}
	m := regexp.MustCompile(`SINCE "?([0-9A-Za-z-]+)"?`).FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("search command %q carries no SINCE literal", line)
	}
	parsed, err := time.Parse("2-Jan-2006", m[1])
	if err != nil {
		t.Fatalf("wire literal %q is not an IMAP date: %v", m[1], err)
	}
	if !parsed.Equal(since) {
		t.Errorf("wire literal %q = %v, want %v", m[1], parsed, since)
	}
	if !strings.Contains(m[1], "Jun") {
		t.Errorf("wire literal %q month is not title-cased", m[1])
	}
}

func TestRetryableDistinguishesServerAnswers(t *testing.T) {
	no := &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such mailbox"}
	if retryable(no) {
		t.Error("a tagged NO is an answer over a live connection, not a reason to reconnect")
	}
	if retryable(errors.Wrap(no, "unable to select")) {
		t.Error("wrapping must not hide a server answer")
	}
	if !retryable(errors.New("read tcp 10.0.0.1:993: connection reset by peer")) {
		t.Error("a transport error must trigger a reconnect")
	}
}

func TestParseMIMEBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"To: b@example.com",
		"Subject: multipart",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello plain",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>hello html</p>",
		"--BOUNDARY",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"%PDF-1.4",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	text, html, attachments := parseMIMEBody([]byte(raw))
	if !strings.Contains(text, "hello plain") {
		t.Errorf("text = %q, want the plain part", text)
	}
	if !strings.Contains(html, "hello html") {
		t.Errorf("html = %q, want the html part", html)
	}
	if len(attachments) != 1 || attachments[0] != "report.pdf" {
		t.Errorf("attachments = %v, want [report.pdf]", attachments)
	}
}

func TestParseMIMEBodyFallsBackToPlainText(t *testing.T) {
	raw := []byte("not a mime message at all")
	text, html, attachments := parseMIMEBody(raw)
	if text != string(raw) || html != "" || len(attachments) != 0 {
		t.Errorf("parseMIMEBody = (%q, %q, %v), want raw bytes as text", text, html, attachments)
	}
}
