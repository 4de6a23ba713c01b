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

package etcd

import (
	"context"
	"errors"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
)

// WatchChildren emits the child list of path whenever a direct child is
// created or deleted. A cancelled etcd watch (e.g. after compaction) is
// re-established from a fresh listing.
func (c *Client) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	path = coordination.Join(path)
	names, revision, err := c.listChildren(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make(chan []string, 1)
	out <- names

	watchCtx, cancel := c.watchContext(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer close(out)

		watch := func(rev int64) clientv3.WatchChan {
			return c.watcher.Watch(clientv3.WithRequireLeader(watchCtx), childPrefix(path), clientv3.WithPrefix(), clientv3.WithRev(rev))
		}

		// refresh lists the children again and publishes them
		refresh := func() bool {
			names, rev, err := c.listChildren(watchCtx, path)
			if err != nil {
				if watchCtx.Err() == nil {
					c.logger.Errorf("coordination/etcd: failed to list children of %s: %v", path, err)
				}
				return false
			}
			revision = rev
			return send(watchCtx, out, names)
		}

		events := watch(revision + 1)
		for {
			select {
			case <-watchCtx.Done():
				return
			case resp, ok := <-events:
				if !ok {
					return
				}

				if resp.Canceled || resp.Err() != nil {
					if watchCtx.Err() != nil {
						return
					}
					c.logger.Warnf("coordination/etcd: children watch of %s interrupted, restarting: %v", path, resp.Err())
					if !refresh() {
						return
					}
					events = watch(revision + 1)
					continue
				}

				if !touchesChildren(path, resp.Events) {
					continue
				}

				if !refresh() {
					return
				}
			}
		}
	}()

	return out, nil
}

// WatchData emits the payload of path and every later change. Deletion
// yields a final Deleted event.
func (c *Client) WatchData(ctx context.Context, path string) (<-chan coordination.DataEvent, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	path = coordination.Join(path)
	out := make(chan coordination.DataEvent, 1)

	opCtx, cancelOp := c.withTimeout(ctx)
	payload, revision, err := c.get(opCtx, path)
	cancelOp()
	switch {
	case errors.Is(err, gerrors.ErrNoNode):
		out <- coordination.DataEvent{Path: path, Deleted: true}
		close(out)
		return out, nil
	case err != nil:
		return nil, err
	}
	out <- coordination.DataEvent{Path: path, Payload: payload}

	watchCtx, cancel := c.watchContext(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer close(out)

		watch := func(rev int64) clientv3.WatchChan {
			return c.watcher.Watch(clientv3.WithRequireLeader(watchCtx), path, clientv3.WithRev(rev))
		}

		events := watch(revision + 1)
		for {
			select {
			case <-watchCtx.Done():
				return
			case resp, ok := <-events:
				if !ok {
					return
				}

				if resp.Canceled || resp.Err() != nil {
					if watchCtx.Err() != nil {
						return
					}
					c.logger.Warnf("coordination/etcd: data watch of %s interrupted, restarting: %v", path, resp.Err())
					opCtx, cancelOp := c.withTimeout(watchCtx)
					payload, rev, err := c.get(opCtx, path)
					cancelOp()
					switch {
					case errors.Is(err, gerrors.ErrNoNode):
						send(watchCtx, out, coordination.DataEvent{Path: path, Deleted: true})
						return
					case err != nil:
						c.logger.Errorf("coordination/etcd: failed to read %s: %v", path, err)
						return
					}
					if !send(watchCtx, out, coordination.DataEvent{Path: path, Payload: payload}) {
						return
					}
					events = watch(rev + 1)
					continue
				}

				event, ok := lastDataEvent(path, resp.Events)
				if !ok {
					continue
				}
				if !send(watchCtx, out, event) || event.Deleted {
					return
				}
			}
		}
	}()

	return out, nil
}

// lastDataEvent reduces the events of one watch response to the final state
// of the key. A delete followed by a put in the same response is a payload.
func lastDataEvent(path string, events []*clientv3.Event) (coordination.DataEvent, bool) {
	if len(events) == 0 {
		return coordination.DataEvent{}, false
	}
	last := events[len(events)-1]
	if last.Type == clientv3.EventTypeDelete {
		return coordination.DataEvent{Path: path, Deleted: true}, true
	}
	return coordination.DataEvent{Path: path, Payload: last.Kv.Value}, true
}

// listChildren lists path, treating a missing path as empty
func (c *Client) listChildren(ctx context.Context, path string) ([]string, int64, error) {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	names, revision, err := c.children(opCtx, path)
	if errors.Is(err, gerrors.ErrNoNode) {
		return []string{}, revision, nil
	}
	return names, revision, err
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

func touchesChildren(path string, events []*clientv3.Event) bool {
	for _, ev := range events {
		if ev.Type == clientv3.EventTypePut && ev.Kv.Version != 1 {
			// payload update of an existing key
			continue
		}
		if _, ok := coordination.IsDirectChild(path, string(ev.Kv.Key)); ok {
			return true
		}
	}
	return false
}

func send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}
