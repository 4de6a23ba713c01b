// MIT License
//
// Copyright (c) 2022-2026 GoAkt Team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cluster

import (
	"time"

	"github.com/shadowao/scrapyd-cluster/internal/metric"
	"github.com/shadowao/scrapyd-cluster/log"
)

// Option configures the cluster components
type Option func(*options)

type options struct {
	logger     log.Logger
	selector   SourceSelector
	retries    uint
	retryDelay time.Duration
	metric     *metric.ClusterMetric
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:     log.DefaultLogger,
		selector:   FirstSource,
		retries:    3,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSourceSelector sets how the Reconciler orders the up-to-date workers
// it downloads the artifact from
func WithSourceSelector(selector SourceSelector) Option {
	return func(o *options) {
		if selector != nil {
			o.selector = selector
		}
	}
}

// WithRetries sets how many attempts the Reconciler makes per artifact
// download and per push
func WithRetries(attempts uint) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retries = attempts
		}
	}
}

// WithRetryDelay sets the base delay between two attempts
func WithRetryDelay(delay time.Duration) Option {
	return func(o *options) {
		if delay > 0 {
			o.retryDelay = delay
		}
	}
}

// WithMetric records reconciliation pushes on the given instruments
func WithMetric(instruments *metric.ClusterMetric) Option {
	return func(o *options) {
		o.metric = instruments
	}
}
