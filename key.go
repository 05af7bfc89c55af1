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

package admit

import (
	"errors"
	"fmt"
)

// DefaultDimension is the budget dimension tracked when a key does not
// name one. Token consumption is currently the only metered dimension.
const DefaultDimension = "tokens"

// Key identifies one quota bucket: a model, an optional region, and the
// budget dimension being tracked. Keys are immutable values; two
// logically distinct quota buckets must never share a key.
type Key struct {
	// Model is the model identifier, e.g. "gemini-pro". Required.
	Model string

	// Region scopes the bucket to a provider region. Empty means the
	// provider's global bucket.
	Region string

	// Dimension names the metered budget. Empty means DefaultDimension.
	Dimension string
}

// Validate returns an error when the key cannot identify a bucket.
func (k Key) Validate() error {
	if k.Model == "" {
		return errors.New("admission key requires a model identifier")
	}
	return nil
}

// String renders the key in its canonical "model|region|dimension"
// form, the identity used by the shared state tables.
func (k Key) String() string {
	dim := k.Dimension
	if dim == "" {
		dim = DefaultDimension
	}
	return fmt.Sprintf("%s|%s|%s", k.Model, k.Region, dim)
}
