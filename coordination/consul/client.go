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

// Package consul implements the coordination space on top of the Consul KV
// store.
//
// Ephemeral entries are keys locked by a session created with the delete
// behavior: when the session is invalidated Consul removes the keys.
// Watches are blocking queries.
package consul

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/hashicorp/consul/api"
	"go.uber.org/atomic"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

const (
	sequenceSuffix      = ".sequence"
	maxSequenceAttempts = 32
	sessionBuffer       = 16
	sessionName         = "scrapyd-cluster"
)

// Client is a Consul-backed coordination.Client
type Client struct {
	config *Config
	client *api.Client
	kv     *api.KV
	logger log.Logger

	mu        sync.RWMutex
	sessionID string
	sessions  chan coordination.SessionState

	ctx       context.Context
	cancel    context.CancelFunc
	renewDone chan struct{}
	stopped   chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

var _ coordination.Client = (*Client)(nil)

// NewClient connects to the Consul agent and creates a session
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("coordination/consul: %w: config is nil", gerrors.ErrInvalidConfig)
	}

	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("coordination/consul: %w: %w", gerrors.ErrInvalidConfig, err)
	}

	consulConfig := api.DefaultConfig()
	consulConfig.Address = config.Address
	consulConfig.Datacenter = config.Datacenter
	consulConfig.Token = config.Token

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	if _, err = client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to consul: %w", err)
	}

	c := &Client{
		config:    config,
		client:    client,
		kv:        client.KV(),
		logger:    config.Logger,
		sessions:  make(chan coordination.SessionState, sessionBuffer),
		renewDone: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(config.Context)

	id, err := c.createSession(c.ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.setSession(id)
	c.emit(coordination.Connected)

	go c.monitor(id)
	return c, nil
}

func (c *Client) createSession(ctx context.Context) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	id, _, err := c.client.Session().Create(&api.SessionEntry{
		Name:      sessionName,
		TTL:       c.config.SessionTTL.String(),
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: time.Millisecond,
	}, (&api.WriteOptions{}).WithContext(opCtx))
	if err != nil {
		return "", fmt.Errorf("coordination/consul: failed to create session: %w", err)
	}
	return id, nil
}

// monitor keeps the session alive and replaces it once invalidated
func (c *Client) monitor(id string) {
	defer close(c.stopped)
	for {
		err := c.client.Session().RenewPeriodic(c.config.SessionTTL.String(), id, nil, c.renewDone)
		if c.closed.Load() {
			return
		}

		c.logger.Warnf("coordination/consul: session %s lost: %v", id, err)
		c.setSession("")
		c.emit(coordination.Lost)

		next, err := c.recreate()
		if err != nil {
			c.logger.Errorf("coordination/consul: giving up on session recovery: %v", err)
			return
		}

		id = next
		c.setSession(id)
		c.emit(coordination.Connected)
	}
}

func (c *Client) recreate() (string, error) {
	var id string
	for {
		retrier := retry.NewRetrier(c.config.MaxRetries, 100*time.Millisecond, c.config.RetryInterval)
		err := retrier.RunContext(c.ctx, func(ctx context.Context) error {
			next, err := c.createSession(ctx)
			if err != nil {
				return err
			}
			id = next
			return nil
		})
		if err == nil {
			return id, nil
		}
		if c.ctx.Err() != nil || c.closed.Load() {
			return "", gerrors.ErrSessionClosed
		}
		c.logger.Warnf("coordination/consul: failed to re-create session: %v", err)
	}
}

// EnsurePath creates path and its ancestors when missing
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	current := "/"
	for segment := range strings.SplitSeq(strings.Trim(coordination.Join(path), "/"), "/") {
		if segment == "" {
			continue
		}
		current = coordination.Join(current, segment)
		// a zero ModifyIndex only writes missing keys
		if _, _, err := c.kv.CAS(&api.KVPair{Key: c.key(current)}, (&api.WriteOptions{}).WithContext(opCtx)); err != nil {
			return fmt.Errorf("coordination/consul: failed to ensure %s: %w", current, err)
		}
	}
	return nil
}

// CreateSequential creates an ephemeral entry named after prefix and the
// next counter value of its parent
func (c *Client) CreateSequential(ctx context.Context, prefix string, payload []byte) (string, error) {
	session, err := c.session()
	if err != nil {
		return "", err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	prefix = coordination.Join(prefix)
	parent := coordination.Parent(prefix)
	counterKey := c.sequenceKey(parent)

	for range maxSequenceAttempts {
		pair, _, err := c.kv.Get(counterKey, (&api.QueryOptions{RequireConsistent: true}).WithContext(opCtx))
		if err != nil {
			return "", fmt.Errorf("coordination/consul: failed to read sequence of %s: %w", parent, err)
		}

		var (
			current int64
			index   uint64
		)
		if pair != nil {
			current, err = strconv.ParseInt(string(pair.Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("coordination/consul: corrupted sequence of %s: %w", parent, err)
			}
			index = pair.ModifyIndex
		}

		path := coordination.Join(parent, coordination.SequentialName(coordination.Base(prefix), current))
		ops := api.TxnOps{
			{KV: &api.KVTxnOp{Verb: api.KVCAS, Key: counterKey, Value: []byte(strconv.FormatInt(current+1, 10)), Index: index}},
			{KV: &api.KVTxnOp{Verb: api.KVCheckNotExists, Key: c.key(path)}},
			{KV: &api.KVTxnOp{Verb: api.KVLock, Key: c.key(path), Value: payload, Session: session}},
		}
		parentOp := -1
		if parent != "/" {
			parentOp = len(ops)
			ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVGet, Key: c.key(parent)}})
		}

		ok, failed, err := c.txn(opCtx, ops)
		if err != nil {
			return "", fmt.Errorf("coordination/consul: failed to create %s: %w", path, err)
		}
		if ok {
			return path, nil
		}
		if parentOp >= 0 && failed == parentOp {
			return "", fmt.Errorf("%w: %s", gerrors.ErrNoNode, parent)
		}
	}
	return "", fmt.Errorf("coordination/consul: too many concurrent creations under %s", parent)
}

// Create creates an ephemeral entry at path
func (c *Client) Create(ctx context.Context, path string, payload []byte) error {
	session, err := c.session()
	if err != nil {
		return err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	path = coordination.Join(path)
	parent := coordination.Parent(path)
	ops := api.TxnOps{
		{KV: &api.KVTxnOp{Verb: api.KVCheckNotExists, Key: c.key(path)}},
	}
	parentOp := -1
	if parent != "/" {
		parentOp = len(ops)
		ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVGet, Key: c.key(parent)}})
	}
	ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVLock, Key: c.key(path), Value: payload, Session: session}})

	ok, failed, err := c.txn(opCtx, ops)
	switch {
	case err != nil:
		return fmt.Errorf("coordination/consul: failed to create %s: %w", path, err)
	case ok:
		return nil
	case failed == 0:
		return fmt.Errorf("%w: %s", gerrors.ErrNodeExists, path)
	case parentOp >= 0 && failed == parentOp:
		return fmt.Errorf("%w: %s", gerrors.ErrNoNode, parent)
	default:
		return fmt.Errorf("coordination/consul: failed to lock %s", path)
	}
}

// Get returns the payload of path
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	path = coordination.Join(path)
	pair, _, err := c.kv.Get(c.key(path), (&api.QueryOptions{}).WithContext(opCtx))
	if err != nil {
		return nil, fmt.Errorf("coordination/consul: failed to get %s: %w", path, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: %s", gerrors.ErrNoNode, path)
	}
	return pair.Value, nil
}

// Children returns the sorted names of the direct children of path
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	path = coordination.Join(path)
	if path != "/" {
		if _, err := c.Get(ctx, path); err != nil {
			return nil, err
		}
	}

	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	pairs, _, err := c.kv.List(c.childPrefix(path), (&api.QueryOptions{}).WithContext(opCtx))
	if err != nil {
		return nil, fmt.Errorf("coordination/consul: failed to list %s: %w", path, err)
	}
	return c.directChildren(path, pairs), nil
}

// SessionEvents returns the session state channel. It is closed by Close.
// When the reader falls behind, the oldest pending state is dropped.
func (c *Client) SessionEvents() <-chan coordination.SessionState {
	return c.sessions
}

// Close destroys the session, which deletes its ephemeral entries.
// Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.renewDone)
	c.cancel()
	<-c.stopped
	c.wg.Wait()
	close(c.sessions)
	return nil
}

func (c *Client) txn(ctx context.Context, ops api.TxnOps) (bool, int, error) {
	ok, resp, _, err := c.client.Txn().Txn(ops, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return false, -1, err
	}
	if ok {
		return true, -1, nil
	}
	if resp == nil || len(resp.Errors) == 0 {
		return false, -1, nil
	}
	return false, resp.Errors[0].OpIndex, nil
}

func (c *Client) directChildren(path string, pairs api.KVPairs) []string {
	names := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if name, ok := coordination.IsDirectChild(path, c.path(pair.Key)); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (c *Client) session() (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return "", gerrors.ErrSessionLost
	}
	return c.sessionID, nil
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return gerrors.ErrSessionClosed
	}
	return nil
}

// emit delivers state, discarding the oldest pending state when the
// buffer is full
func (c *Client) emit(state coordination.SessionState) {
	for {
		select {
		case c.sessions <- state:
			return
		default:
		}
		select {
		case dropped := <-c.sessions:
			c.logger.Warnf("coordination/consul: dropping undelivered session state %s", dropped)
		default:
		}
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = c.config.Context
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// pause waits for the retry interval, false when ctx ended first
func (c *Client) pause(ctx context.Context) bool {
	timer := time.NewTimer(c.config.RetryInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) key(path string) string {
	return c.config.KeyPrefix + coordination.Join(path)
}

func (c *Client) path(key string) string {
	return strings.TrimPrefix(key, c.config.KeyPrefix)
}

func (c *Client) childPrefix(path string) string {
	if path == "/" {
		return c.key(path)
	}
	return c.key(path) + "/"
}

// sequenceKey has no slash after the prefix so that counters never show
// up as children
func (c *Client) sequenceKey(parent string) string {
	return c.config.KeyPrefix + sequenceSuffix + parent
}
