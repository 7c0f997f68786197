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

package tracehttp

import (
	"fmt"
	"net/http"
	"net/http/httputil"
)

// Requests to the web API carry the account's session cookies; dumps
// must never leak them into terminal scrollback.
var redactedHeaders = []string{"Cookie", "Set-Cookie", "Authorization"}

// traceTransport is an http.RoundTripper that prints the request and
// response, with credentials redacted, while delegating the real work
// to another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
}

func redact(h http.Header) http.Header {
	clean := h.Clone()
	for _, name := range redactedHeaders {
		if clean.Get(name) != "" {
			clean.Set(name, "[redacted]")
		}
	}
	return clean
}

// RoundTrip prints a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	cleanReq := req.Clone(req.Context())
	cleanReq.Header = redact(req.Header)
	dump, dumpErr := httputil.DumpRequestOut(cleanReq, false)
	if dumpErr == nil {
		fmt.Println(string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		savedHeader := resp.Header
		resp.Header = redact(resp.Header)
		dump, dumpErr = httputil.DumpResponse(resp, false)
		resp.Header = savedHeader
		if dumpErr == nil {
			fmt.Println(string(dump))
		}
	}
	return resp, err
}

func Wrap(d http.RoundTripper) http.RoundTripper {
	return &traceTransport{d}
}

// Inject a traceTransport into http.DefaultTransport
func WrapDefaultTransport() {
	http.DefaultTransport = Wrap(http.DefaultTransport)
}
