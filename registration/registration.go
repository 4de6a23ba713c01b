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

// Package registration announces a worker in the coordination space.
//
// A worker registers its externally reachable base URL as an ephemeral,
// creation-ordered entry. When the coordination session is lost the entry
// disappears; once the session is re-established the handle re-creates the
// very same entry.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.uber.org/atomic"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/log"
)

// Option configures a registration
type Option func(*Handle)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRetries sets how many times the initial creation is attempted and
// the maximum delay between two attempts
func WithRetries(maxRetries int, interval time.Duration) Option {
	return func(h *Handle) {
		if maxRetries > 0 {
			h.maxRetries = maxRetries
		}
		if interval > 0 {
			h.retryInterval = interval
		}
	}
}

// WithTimeout bounds every re-creation attempt
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handle) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// Handle is a live registration.
//
// The handle consumes the client's session events, so it must be their only
// reader.
type Handle struct {
	client   coordination.Client
	address  string
	basePath string
	path     *atomic.String

	logger        log.Logger
	maxRetries    int
	retryInterval time.Duration
	timeout       time.Duration

	expired    *atomic.Bool
	generation *atomic.Uint64
	recoveries *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Register creates the ephemeral entry for address under basePath.
//
// The parent of basePath is created when missing. The entry name is the
// last element of basePath followed by the sequence assigned by the
// coordination space.
func Register(ctx context.Context, client coordination.Client, address, basePath string, opts ...Option) (*Handle, error) {
	err := validation.New(validation.FailFast()).
		AddAssertion(client != nil, "coordination client is required").
		AddValidator(validation.NewURLValidator("address", address)).
		AddValidator(validation.NewPathValidator("basePath", basePath)).
		Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}

	h := &Handle{
		client:        client,
		address:       address,
		basePath:      coordination.Join(basePath),
		path:          atomic.NewString(""),
		logger:        log.DefaultLogger,
		maxRetries:    3,
		retryInterval: time.Second,
		timeout:       10 * time.Second,
		expired:       atomic.NewBool(false),
		generation:    atomic.NewUint64(0),
		recoveries:    atomic.NewInt64(0),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.logger = h.logger.With("address", address)

	if err := client.EnsurePath(ctx, coordination.Parent(h.basePath)); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", coordination.Parent(h.basePath), err)
	}

	retrier := retry.NewRetrier(h.maxRetries, 100*time.Millisecond, h.retryInterval)
	err = retrier.RunContext(ctx, func(ctx context.Context) error {
		path, err := client.CreateSequential(ctx, h.basePath, []byte(address))
		if err != nil {
			h.logger.Warnf("failed to register under %s: %v", h.basePath, err)
			return err
		}
		h.path.Store(path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", address, err)
	}

	h.logger.Infof("registered as %s", h.path.Load())

	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.wg.Add(1)
	go h.listen(client.SessionEvents())
	return h, nil
}

// Path returns the full path of the entry
func (h *Handle) Path() string {
	return h.path.Load()
}

// Address returns the registered address
func (h *Handle) Address() string {
	return h.address
}

// Expired reports whether the session was lost and the entry is not
// re-created yet
func (h *Handle) Expired() bool {
	return h.expired.Load()
}

// Recoveries returns how many times the entry was re-created
func (h *Handle) Recoveries() int64 {
	return h.recoveries.Load()
}

// Close stops watching the session. The entry itself is removed by the
// coordination space when the client's session ends.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
	})
}

func (h *Handle) listen(events <-chan coordination.SessionState) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case state, ok := <-events:
			if !ok {
				if h.ctx.Err() == nil {
					h.logger.Errorf("registration %s stopped: %v", h.Path(), gerrors.ErrSessionClosed)
				}
				return
			}
			h.handle(state)
		}
	}
}

func (h *Handle) handle(state coordination.SessionState) {
	switch state {
	case coordination.Lost:
		h.generation.Inc()
		h.expired.Store(true)
		h.logger.Warnf("registration %s expired: %v", h.Path(), gerrors.ErrSessionLost)
	case coordination.Suspended:
		h.logger.Debugf("coordination session suspended, registration %s kept", h.Path())
	case coordination.Connected:
		if !h.expired.Load() {
			return
		}
		// creation may block, keep the listener free for later states
		h.wg.Add(1)
		go h.recover(h.generation.Load())
	}
}

func (h *Handle) recover(generation uint64) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	path := h.Path()
	err := h.client.Create(ctx, path, []byte(h.address))
	switch {
	case err == nil, errors.Is(err, gerrors.ErrNodeExists):
		h.recoveries.Inc()
		if h.generation.Load() == generation {
			h.expired.Store(false)
		}
		h.logger.Infof("registration %s restored", path)
	case errors.Is(err, gerrors.ErrSessionClosed):
		h.logger.Errorf("registration %s cannot be restored: %v", path, err)
	default:
		h.logger.Warnf("failed to restore registration %s, waiting for the next reconnect: %v", path, err)
	}
}
