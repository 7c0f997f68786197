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

// Package estimate computes provider message IDs from message
// timestamps.  The provider's ID is structurally
// high_part*1e6 + low_part: the high part tracks the message's
// arrival time near-linearly, the low part is a per-folder counter
// that can only be approximated from a nearby trusted anchor.
package estimate

import (
	"math"
	"time"

	"marmstrong/maillink/internal/message"
)

const lowMod = 1_000_000

// Params are the empirically fitted constants mapping a Unix
// timestamp to the high part of a provider ID.  They are fits to an
// undocumented external scheme, so they come from configuration, not
// code.
type Params struct {
	Base   float64
	Factor float64
}

// HighPart returns the high part of the provider ID for a message
// with the given arrival time.
func (p Params) HighPart(t time.Time) int64 {
	return int64(math.Floor(p.Base + float64(t.Unix())*p.Factor))
}

// Estimate computes a provider ID for a message.  ref supplies a
// trusted (uid, mid) anchor in the same folder; when hasRef is false
// the low part degrades to uid%1e6.  Pure function of its inputs.
func (p Params) Estimate(t time.Time, uid uint32, ref message.FolderReference, hasRef bool) int64 {
	var low int64
	if hasRef {
		// Accuracy degrades with UID distance from the anchor,
		// so clamp rather than wrap.
		low = clamp(ref.MID%lowMod+int64(uid)-int64(ref.UID), 0, lowMod-1)
	} else {
		low = int64(uid) % lowMod
	}
	return p.HighPart(t)*lowMod + low
}

// FromReference estimates an ID without a timestamp, carrying the
// anchor's high part and offsetting only the low part.  Usable only
// when the target is close to the anchor in time.
func FromReference(uid uint32, ref message.FolderReference) int64 {
	high := ref.MID / lowMod
	low := clamp(ref.MID%lowMod+int64(uid)-int64(ref.UID), 0, lowMod-1)
	return high*lowMod + low
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
