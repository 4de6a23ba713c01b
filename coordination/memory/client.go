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

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/shadowao/scrapyd-cluster/coordination"
	"github.com/shadowao/scrapyd-cluster/errors"
)

const sessionBuffer = 16

// Client is a session against a memory Server
type Client struct {
	server   *Server
	sessions chan coordination.SessionState
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	expired atomic.Bool
}

// enforce compilation error
var _ coordination.Client = (*Client)(nil)

// EnsurePath creates path and its missing ancestors as persistent nodes
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	path = coordination.Join(path)
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	current := "/"
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		current = coordination.Join(current, segment)
		if _, ok := c.server.nodes[current]; ok {
			continue
		}
		if err := c.server.create(current, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// CreateSequential creates an ephemeral node named prefix plus the next
// counter value of the parent
func (c *Client) CreateSequential(ctx context.Context, prefix string, payload []byte) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	prefix = coordination.Join(prefix)
	parent := coordination.Parent(prefix)

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if _, ok := c.server.nodes[parent]; !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrNoNode, parent)
	}
	sequence := c.server.sequences[parent]
	c.server.sequences[parent] = sequence + 1
	path := coordination.Join(parent, coordination.SequentialName(coordination.Base(prefix), sequence))
	if err := c.server.create(path, payload, c); err != nil {
		return "", err
	}
	return path, nil
}

// Create creates an ephemeral node at path
func (c *Client) Create(ctx context.Context, path string, payload []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.server.create(coordination.Join(path), payload, c)
}

// Get returns the payload stored at path
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	path = coordination.Join(path)
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	n, ok := c.server.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrNoNode, path)
	}
	return append([]byte(nil), n.payload...), nil
}

// Children returns the sorted child names of path
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	path = coordination.Join(path)
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if _, ok := c.server.nodes[path]; !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrNoNode, path)
	}
	return c.server.children(path), nil
}

// WatchChildren watches the child list of path.
// Pending lists are coalesced: a slow reader only sees the newest one.
func (c *Client) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.addChildWatch(ctx, c, coordination.Join(path)), nil
}

// WatchData watches the payload of path
func (c *Client) WatchData(ctx context.Context, path string) (<-chan coordination.DataEvent, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.addDataWatch(ctx, c, coordination.Join(path)), nil
}

// SessionEvents returns the session state channel. It is closed by Close.
func (c *Client) SessionEvents() <-chan coordination.SessionState {
	return c.sessions
}

// Expire simulates the expiry of the session: ephemeral nodes owned by the
// client are removed and Lost is emitted. Operations fail with
// errors.ErrSessionLost until Reconnect is called.
func (c *Client) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.expired.Store(true)
	c.server.dropSession(c)
	c.emit(coordination.Lost)
}

// Suspend emits Suspended without touching the session
func (c *Client) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.emit(coordination.Suspended)
}

// Reconnect establishes a fresh session and emits Connected
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.expired.Store(false)
	c.emit(coordination.Connected)
}

// Close ends the session, removes its ephemeral nodes and closes every
// watch opened through the client
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.sessions)
	c.mu.Unlock()

	c.server.dropSession(c)
	c.wg.Wait()
	return nil
}

// emit must be called with c.mu held
func (c *Client) emit(state coordination.SessionState) {
	for {
		select {
		case c.sessions <- state:
			return
		default:
		}
		// the reader is far behind, drop the oldest pending state
		select {
		case <-c.sessions:
		default:
		}
	}
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.ErrSessionClosed
	}
	if c.expired.Load() {
		return errors.ErrSessionLost
	}
	return nil
}
