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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

func TestAggregator(t *testing.T) {
	ctx := context.Background()

	t.Run("With ok and failing workers", func(t *testing.T) {
		one := newFakeWorker(t, map[string][]string{"a": {"1.0"}, "b": {"1.0"}})
		two := newFakeWorker(t, map[string][]string{"b": {"2.0"}, "c": {"1.0"}})
		failing := newFakeWorker(t, map[string][]string{"z": {"1.0"}}, broken)

		aggregator := NewAggregator(members(one, two, failing), newCaller(), WithLogger(log.DiscardLogger))

		assert.Equal(t, []string{"a", "b", "c"}, aggregator.AllProjects(ctx))
		assert.ElementsMatch(t, []string{one.address(), two.address()}, aggregator.WorkersForProject(ctx, "b"))
		assert.Equal(t, []string{one.address()}, aggregator.WorkersForProject(ctx, "a"))
		assert.Empty(t, aggregator.WorkersForProject(ctx, "z"))
		assert.Len(t, aggregator.WorkersForProject(ctx, ""), 3)

		statuses := aggregator.Status(ctx)
		assert.Len(t, statuses, 2)
		assert.Equal(t, 1, statuses[one.address()].Running)
	})
	t.Run("With a growing worker set", func(t *testing.T) {
		one := newFakeWorker(t, map[string][]string{"p": {"1.0"}})
		two := newFakeWorker(t, map[string][]string{"q": {"1.0"}})
		three := newFakeWorker(t, map[string][]string{"p": {"1.0"}})
		caller := newCaller()

		small := NewAggregator(members(one, two), caller, WithLogger(log.DiscardLogger)).WorkersForProject(ctx, "p")
		large := NewAggregator(members(one, two, three), caller, WithLogger(log.DiscardLogger)).WorkersForProject(ctx, "p")

		assert.Subset(t, large, small)
		assert.Contains(t, large, three.address())
		assert.NotContains(t, small, three.address())
	})
	t.Run("With spiders and jobs", func(t *testing.T) {
		one := newFakeWorker(t, map[string][]string{"a": {"1.0"}}, func(w *fakeWorker) {
			w.spiders["a"] = []string{"quotes", "books", "quotes"}
			w.jobs["a"] = worker.Jobs{
				Pending:  []worker.Job{{ID: "p1", Spider: "quotes"}, {ID: "p2", Spider: "books"}, {ID: "p3", Spider: "quotes"}},
				Running:  []worker.Job{{ID: "r1", Spider: "books"}},
				Finished: []worker.Job{{ID: "f1", Spider: "quotes"}},
			}
		})
		two := newFakeWorker(t, map[string][]string{"a": {"1.0"}}, func(w *fakeWorker) {
			w.spiders["a"] = []string{"quotes"}
		})
		failing := newFakeWorker(t, nil, broken)

		aggregator := NewAggregator(members(one, two, failing), newCaller(), WithLogger(log.DiscardLogger))

		index := aggregator.SpiderIndex(ctx, "a")
		require.Len(t, index, 2)
		assert.ElementsMatch(t, []string{one.address(), two.address()}, index["quotes"])
		assert.Equal(t, []string{one.address()}, index["books"])

		jobs := aggregator.JobsForSpider(ctx, "a", "quotes")
		require.Len(t, jobs, 2)
		quotes := jobs[one.address()]
		require.Len(t, quotes.Pending, 2)
		assert.Equal(t, "p1", quotes.Pending[0].ID)
		assert.Equal(t, "p3", quotes.Pending[1].ID)
		assert.Empty(t, quotes.Running)
		assert.Len(t, quotes.Finished, 1)
		assert.Empty(t, jobs[two.address()].Pending)

		all := aggregator.AllJobs(ctx, "a")
		assert.Len(t, all[one.address()].Running, 1)

		params := one.calls(worker.ListJobsEndpoint)
		require.NotEmpty(t, params)
		assert.Equal(t, []string{"a"}, params[0][worker.ProjectParam])
	})
	t.Run("With no worker", func(t *testing.T) {
		aggregator := NewAggregator(StaticMembers(nil), newCaller(), WithLogger(log.DiscardLogger))
		assert.Empty(t, aggregator.Workers())
		assert.Empty(t, aggregator.AllProjects(ctx))
		assert.Empty(t, aggregator.WorkersForProject(ctx, "a"))
		assert.Empty(t, aggregator.SpiderIndex(ctx, "a"))
		assert.Empty(t, aggregator.JobsForSpider(ctx, "a", "s"))
		assert.Empty(t, aggregator.Status(ctx))
	})
	t.Run("With duplicate members", func(t *testing.T) {
		aggregator := NewAggregator(StaticMembers{"http://b:6800/", "http://a:6800/", "http://b:6800/"}, newCaller())
		assert.Equal(t, []string{"http://a:6800/", "http://b:6800/"}, aggregator.Workers())
	})
}
