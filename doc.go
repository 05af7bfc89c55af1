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

// Package admit is a client-side admission-control and retry layer for
// rate-limited, metered APIs such as generative-AI inference endpoints.
//
// Many concurrent callers share a Manager. For each model key the
// Manager bounds in-flight calls with a permit gate whose ceiling can
// adapt to provider throttling, tracks token consumption against a
// rolling window budget, honors provider retry-after hints, and
// retries transient failures with jittered exponential backoff.
//
// The network call itself is a caller-supplied Executor; the Manager
// never touches transports, authentication, or encodings.
//
//	mgr, err := admit.New(admit.NewConfig(admit.ProfileProd))
//	if err != nil {
//		// ...
//	}
//	key := admit.Key{Model: "gemini-pro"}
//	resp, err := mgr.Execute(ctx, key, func(ctx context.Context) (*admit.Response, error) {
//		return callProvider(ctx)
//	}, admit.WithEstimatedTokens(1200))
//
// Errors surface as *Status values that distinguish "retry later"
// (rate-limited or over budget, with a deadline hint when known) from
// "permanently invalid" from "local capacity exhausted".
package admit
