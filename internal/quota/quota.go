// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package quota parses throttling metadata out of a provider's error
// envelope.
//
// Generative-AI endpoints attach typed detail objects to their 429
// responses: a RetryInfo detail carries the provider's suggested retry
// delay, and a QuotaFailure detail attributes the rejection to a
// specific quota bucket. Both are optional, both arrive inside nested
// JSON, and neither may be trusted to be well formed.
package quota

import (
	"encoding/json"
	"strings"
)

// Detail type discriminators, matched by suffix so that any type-URL
// prefix the provider chooses is tolerated.
const (
	_retryInfoType    = "RetryInfo"
	_quotaFailureType = "QuotaFailure"
)

// Info is the flattened throttling metadata hoisted out of an error
// envelope. Zero values mean the provider did not supply the field.
type Info struct {
	// RetryDelay is the provider's suggested wait, as a duration string
	// such as "1.5s", "100ms", or "2m". Empty when the provider gave no
	// hint.
	RetryDelay string

	// QuotaMetric and QuotaID name the exhausted quota bucket.
	QuotaMetric string
	QuotaID     string

	// QuotaDimensions attributes the exhaustion, e.g. model and region.
	QuotaDimensions map[string]string

	// QuotaValue is the configured limit of the exhausted bucket.
	QuotaValue int64
}

// envelope mirrors the provider's error body. Only the fields the
// admission layer reads are declared; everything else is ignored.
type envelope struct {
	Error struct {
		Details []detail `json:"details"`
	} `json:"error"`
	Details []detail `json:"details"`
}

type detail struct {
	Type       string      `json:"@type"`
	RetryDelay string      `json:"retryDelay"`
	Violations []violation `json:"violations"`
}

type violation struct {
	QuotaMetric     string            `json:"quotaMetric"`
	QuotaID         string            `json:"quotaId"`
	QuotaDimensions map[string]string `json:"quotaDimensions"`
	QuotaValue      quotaValue        `json:"quotaValue"`
}

// quotaValue tolerates the limit arriving either as a JSON number or as
// a quoted decimal string.
type quotaValue int64

func (q *quotaValue) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		s := strings.Trim(string(data), `"`)
		n = json.Number(s)
	}
	v, err := n.Int64()
	if err != nil {
		// An unreadable limit is dropped, not fatal.
		*q = 0
		return nil
	}
	*q = quotaValue(v)
	return nil
}

// Extract parses Info out of a raw provider error body. Missing detail
// arrays, unknown detail types, and absent fields all degrade to zero
// values; Extract never fails.
func Extract(body []byte) Info {
	var env envelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		return Info{}
	}

	details := env.Error.Details
	if len(details) == 0 {
		details = env.Details
	}
	return fromDetails(details)
}

func fromDetails(details []detail) Info {
	var info Info
	for _, d := range details {
		switch {
		case strings.HasSuffix(d.Type, _retryInfoType):
			info.RetryDelay = d.RetryDelay
		case strings.HasSuffix(d.Type, _quotaFailureType):
			if len(d.Violations) == 0 {
				continue
			}
			// The first violation identifies the bucket that rejected
			// this request; later entries repeat the attribution.
			v := d.Violations[0]
			info.QuotaMetric = v.QuotaMetric
			info.QuotaID = v.QuotaID
			info.QuotaDimensions = v.QuotaDimensions
			info.QuotaValue = int64(v.QuotaValue)
		}
	}
	return info
}
