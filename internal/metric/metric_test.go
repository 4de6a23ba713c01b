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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewUsesGlobalProvider(t *testing.T) {
	previous := otel.GetMeterProvider()
	recorder := &recorderMeterProvider{MeterProvider: noop.NewMeterProvider()}
	otel.SetMeterProvider(recorder)
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	provider := New()
	require.NotNil(t, provider.Meter())
	assert.Equal(t, recorder, provider.meterProvider)
	assert.Equal(t, []string{instrumentationName}, recorder.called)
}

func TestWithMeterProvider(t *testing.T) {
	custom := &recorderMeterProvider{MeterProvider: noop.NewMeterProvider()}
	provider := New(WithMeterProvider(custom))
	assert.Equal(t, custom, provider.meterProvider)
	assert.Equal(t, []string{instrumentationName}, custom.called)

	provider = New(WithMeterProvider(nil))
	assert.NotNil(t, provider.meterProvider)
}

func TestClusterMetric(t *testing.T) {
	meter := &countingMeter{counts: make(map[string]int64)}
	instruments, err := NewClusterMetric(meter)
	require.NoError(t, err)

	ctx := context.Background()
	instruments.RecordRequest(ctx, "listprojects.json", "")
	instruments.RecordRequest(ctx, "listprojects.json", "transport")
	instruments.RecordPush(ctx, "news", true)
	instruments.RecordPush(ctx, "news", false)
	instruments.RecordMembership(ctx, "added", 1)
	instruments.RecordMembership(ctx, "removed", -1)
	instruments.RecordMembership(ctx, "changed", 0)

	assert.EqualValues(t, 2, meter.get("fanout.requests"))
	assert.EqualValues(t, 1, meter.get("fanout.failures"))
	assert.EqualValues(t, 2, meter.get("reconcile.pushes"))
	assert.EqualValues(t, 3, meter.get("membership.events"))
	assert.EqualValues(t, 0, meter.get("membership.workers"))
}

func TestNilClusterMetricIsSafe(t *testing.T) {
	var instruments *ClusterMetric
	assert.NotPanics(t, func() {
		instruments.RecordRequest(context.Background(), "x", "y")
		instruments.RecordPush(context.Background(), "x", true)
		instruments.RecordMembership(context.Background(), "added", 1)
	})
}

type recorderMeterProvider struct {
	metric.MeterProvider
	called []string
}

func (p *recorderMeterProvider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	p.called = append(p.called, name)
	return p.MeterProvider.Meter(name, opts...)
}

type countingMeter struct {
	noop.Meter
	mu     sync.Mutex
	counts map[string]int64
}

func (m *countingMeter) add(name string, v int64) {
	m.mu.Lock()
	m.counts[name] += v
	m.mu.Unlock()
}

func (m *countingMeter) get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return &countingCounter{name: name, meter: m}, nil
}

func (m *countingMeter) Int64UpDownCounter(name string, _ ...metric.Int64UpDownCounterOption) (metric.Int64UpDownCounter, error) {
	return &countingUpDown{name: name, meter: m}, nil
}

type countingCounter struct {
	noop.Int64Counter
	name  string
	meter *countingMeter
}

func (c *countingCounter) Add(_ context.Context, incr int64, _ ...metric.AddOption) {
	c.meter.add(c.name, incr)
}

type countingUpDown struct {
	noop.Int64UpDownCounter
	name  string
	meter *countingMeter
}

func (c *countingUpDown) Add(_ context.Context, incr int64, _ ...metric.AddOption) {
	c.meter.add(c.name, incr)
}
