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

package metric

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ClusterMetric groups the instruments recorded by the control plane.
//
// Instruments:
//   - fanout.requests            (Int64Counter, attr endpoint)
//   - fanout.failures            (Int64Counter, attrs endpoint, kind)
//   - reconcile.pushes           (Int64Counter, attrs project, outcome)
//   - membership.events          (Int64Counter, attr kind)
//   - membership.workers         (Int64UpDownCounter)
type ClusterMetric struct {
	requests   metric.Int64Counter
	failures   metric.Int64Counter
	pushes     metric.Int64Counter
	events     metric.Int64Counter
	liveWorker metric.Int64UpDownCounter
}

// NewClusterMetric creates the instruments on the given meter.
func NewClusterMetric(meter metric.Meter) (*ClusterMetric, error) {
	var (
		instruments ClusterMetric
		err         error
	)

	if instruments.requests, err = meter.Int64Counter(
		"fanout.requests",
		metric.WithDescription("Number of requests sent to workers"),
	); err != nil {
		return nil, err
	}

	if instruments.failures, err = meter.Int64Counter(
		"fanout.failures",
		metric.WithDescription("Number of worker requests that did not return status ok"),
	); err != nil {
		return nil, err
	}

	if instruments.pushes, err = meter.Int64Counter(
		"reconcile.pushes",
		metric.WithDescription("Number of project versions pushed to lagging workers"),
	); err != nil {
		return nil, err
	}

	if instruments.events, err = meter.Int64Counter(
		"membership.events",
		metric.WithDescription("Number of membership events observed by the master"),
	); err != nil {
		return nil, err
	}

	if instruments.liveWorker, err = meter.Int64UpDownCounter(
		"membership.workers",
		metric.WithDescription("Number of workers currently registered"),
	); err != nil {
		return nil, err
	}

	return &instruments, nil
}

// RecordRequest counts one worker request and, when kind is not empty, its failure.
func (x *ClusterMetric) RecordRequest(ctx context.Context, endpoint, kind string) {
	if x == nil {
		return
	}
	x.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	if kind != "" {
		x.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind)))
	}
}

// RecordPush counts one addversion push
func (x *ClusterMetric) RecordPush(ctx context.Context, project string, ok bool) {
	if x == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	x.pushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("outcome", outcome)))
}

// RecordMembership counts one membership event and moves the live worker gauge by delta.
func (x *ClusterMetric) RecordMembership(ctx context.Context, kind string, delta int64) {
	if x == nil {
		return
	}
	x.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if delta != 0 {
		x.liveWorker.Add(ctx, delta)
	}
}
