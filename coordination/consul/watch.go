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

package consul

import (
	"context"
	"slices"

	"github.com/hashicorp/consul/api"

	"github.com/shadowao/scrapyd-cluster/coordination"
)

// WatchChildren polls the child list of path with blocking queries and
// emits it whenever it changes
func (c *Client) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	path = coordination.Join(path)
	prefix := c.childPrefix(path)

	opCtx, cancel := c.withTimeout(ctx)
	pairs, meta, err := c.kv.List(prefix, (&api.QueryOptions{}).WithContext(opCtx))
	cancel()
	if err != nil {
		return nil, err
	}

	last := c.directChildren(path, pairs)
	out := make(chan []string, 1)
	out <- last

	watchCtx, stop := c.watchContext(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer close(out)

		index := meta.LastIndex
		for {
			pairs, meta, err := c.kv.List(prefix, (&api.QueryOptions{
				WaitIndex: index,
				WaitTime:  c.config.WaitTime,
			}).WithContext(watchCtx))
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				c.logger.Warnf("coordination/consul: children watch of %s failed: %v", path, err)
				if !c.pause(watchCtx) {
					return
				}
				continue
			}

			index = nextIndex(index, meta.LastIndex)
			names := c.directChildren(path, pairs)
			if slices.Equal(names, last) {
				continue
			}
			last = names
			if !send(watchCtx, out, names) {
				return
			}
		}
	}()

	return out, nil
}

// WatchData polls the payload of path with blocking queries. A missing key
// yields a final Deleted event.
func (c *Client) WatchData(ctx context.Context, path string) (<-chan coordination.DataEvent, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	path = coordination.Join(path)
	key := c.key(path)
	out := make(chan coordination.DataEvent, 1)

	opCtx, cancel := c.withTimeout(ctx)
	pair, meta, err := c.kv.Get(key, (&api.QueryOptions{}).WithContext(opCtx))
	cancel()
	switch {
	case err != nil:
		return nil, err
	case pair == nil:
		out <- coordination.DataEvent{Path: path, Deleted: true}
		close(out)
		return out, nil
	}
	out <- coordination.DataEvent{Path: path, Payload: pair.Value}

	watchCtx, stop := c.watchContext(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer close(out)

		index := meta.LastIndex
		modified := pair.ModifyIndex
		for {
			pair, meta, err := c.kv.Get(key, (&api.QueryOptions{
				WaitIndex: index,
				WaitTime:  c.config.WaitTime,
			}).WithContext(watchCtx))
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				c.logger.Warnf("coordination/consul: data watch of %s failed: %v", path, err)
				if !c.pause(watchCtx) {
					return
				}
				continue
			}

			index = nextIndex(index, meta.LastIndex)
			if pair == nil {
				send(watchCtx, out, coordination.DataEvent{Path: path, Deleted: true})
				return
			}
			if pair.ModifyIndex == modified {
				continue
			}
			modified = pair.ModifyIndex
			if !send(watchCtx, out, coordination.DataEvent{Path: path, Payload: pair.Value}) {
				return
			}
		}
	}()

	return out, nil
}

// watchContext derives a context that ends with ctx or with the client
func (c *Client) watchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return watchCtx, func() {
		stop()
		cancel()
	}
}

// nextIndex resets the blocking index when it goes backwards, e.g. after a
// snapshot restore
func nextIndex(previous, current uint64) uint64 {
	if current < previous {
		return 0
	}
	return current
}

func send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}
