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

// Package etcd implements the coordination space on top of etcd.
//
// Entries are keys under the configured namespace. Ephemeral entries are
// attached to the lease of a concurrency session and vanish with it.
// Sequential names come from a per-parent counter key advanced in the same
// transaction that creates the entry.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/flowchartsman/retry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/atomic"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

const (
	sequencePrefix      = ".sequence"
	maxSequenceAttempts = 32
	sessionBuffer       = 16
)

// leaseSession is the part of concurrency.Session the client relies on
type leaseSession interface {
	Lease() clientv3.LeaseID
	Done() <-chan struct{}
	Close() error
}

// Client is an etcd-backed coordination.Client.
//
// Unless otherwise stated, the provided context of every method is wrapped
// with the configured per-request timeout.
type Client struct {
	config      *Config
	client      *clientv3.Client
	kv          clientv3.KV
	watcher     clientv3.Watcher
	logger      log.Logger
	closeFunc   func(*clientv3.Client) error
	sessionFunc func(context.Context) (leaseSession, error)

	mu       sync.RWMutex
	session  leaseSession
	sessions chan coordination.SessionState
	// leases of the sessions this client lost
	retired goset.Set[clientv3.LeaseID]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ coordination.Client = (*Client)(nil)

// NewClient connects to etcd and opens a session.
func NewClient(config *Config) (*Client, error) {
	return newClient(config, clientv3.New, func(client *clientv3.Client) error { return client.Close() })
}

func newClient(config *Config, clientFunc func(clientv3.Config) (*clientv3.Client, error), closeFunc func(*clientv3.Client) error) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("coordination/etcd: %w: config is nil", gerrors.ErrInvalidConfig)
	}

	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("coordination/etcd: %w: %w", gerrors.ErrInvalidConfig, err)
	}

	client, err := clientFunc(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		TLS:         config.TLS,
		Username:    config.Username,
		Password:    config.Password,
		Context:     config.Context,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(config.Context, config.DialTimeout)
	defer cancel()

	if _, err = client.Status(ctx, config.Endpoints[0]); err != nil {
		if cerr := closeFunc(client); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
		}
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	prefix := normalizeNamespace(config.Namespace)
	c := &Client{
		config:    config,
		client:    client,
		kv:        namespace.NewKV(client.KV, prefix),
		watcher:   namespace.NewWatcher(client.Watcher, prefix),
		logger:    config.Logger,
		closeFunc: closeFunc,
		sessions:  make(chan coordination.SessionState, sessionBuffer),
	}
	c.sessionFunc = func(ctx context.Context) (leaseSession, error) {
		return concurrency.NewSession(client,
			concurrency.WithTTL(config.ttlSeconds()),
			concurrency.WithContext(ctx))
	}

	if err := c.start(); err != nil {
		if cerr := closeFunc(client); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
		}
		return nil, err
	}
	return c, nil
}

// start opens the first session and spawns the session monitor
func (c *Client) start() error {
	c.ctx, c.cancel = context.WithCancel(c.config.Context)
	c.retired = goset.NewSet[clientv3.LeaseID]()
	session, err := c.sessionFunc(c.ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("coordination/etcd: failed to create session: %w", err)
	}
	c.setSession(session)
	c.emit(coordination.Connected)

	c.wg.Add(1)
	go c.monitor(session)
	return nil
}

// monitor turns lease expiry into Lost and re-acquires a fresh session
func (c *Client) monitor(session leaseSession) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-session.Done():
		}

		if c.ctx.Err() != nil || c.closed.Load() {
			return
		}

		c.logger.Warnf("coordination/etcd: session with lease %x lost", int64(session.Lease()))
		c.retired.Add(session.Lease())
		c.setSession(nil)
		c.emit(coordination.Lost)

		next, err := c.reacquire()
		if err != nil {
			c.logger.Errorf("coordination/etcd: giving up on session recovery: %v", err)
			return
		}

		c.setSession(next)
		c.emit(coordination.Connected)
		session = next
	}
}

func (c *Client) reacquire() (leaseSession, error) {
	var session leaseSession
	for {
		retrier := retry.NewRetrier(c.config.MaxRetries, 100*time.Millisecond, c.config.RetryInterval)
		err := retrier.RunContext(c.ctx, func(ctx context.Context) error {
			next, err := c.sessionFunc(ctx)
			if err != nil {
				return err
			}
			session = next
			return nil
		})
		if err == nil {
			return session, nil
		}
		if c.ctx.Err() != nil {
			return nil, gerrors.ErrSessionClosed
		}
		c.logger.Warnf("coordination/etcd: failed to re-acquire session: %v", err)
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
		_, err := c.kv.Txn(opCtx).
			If(clientv3.Compare(clientv3.CreateRevision(current), "=", 0)).
			Then(clientv3.OpPut(current, "")).
			Commit()
		if err != nil {
			return fmt.Errorf("coordination/etcd: failed to ensure %s: %w", current, err)
		}
	}
	return nil
}

// CreateSequential creates an ephemeral entry named after prefix and the
// next counter value of its parent
func (c *Client) CreateSequential(ctx context.Context, prefix string, payload []byte) (string, error) {
	lease, err := c.lease()
	if err != nil {
		return "", err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	prefix = coordination.Join(prefix)
	parent := coordination.Parent(prefix)
	counterKey := sequenceKey(parent)

	for range maxSequenceAttempts {
		resp, err := c.kv.Get(opCtx, counterKey)
		if err != nil {
			return "", fmt.Errorf("coordination/etcd: failed to read sequence of %s: %w", parent, err)
		}

		var current, modRevision int64
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("coordination/etcd: corrupted sequence of %s: %w", parent, err)
			}
			modRevision = resp.Kvs[0].ModRevision
		}

		path := coordination.Join(parent, coordination.SequentialName(coordination.Base(prefix), current))
		comparisons := []clientv3.Cmp{
			clientv3.Compare(clientv3.ModRevision(counterKey), "=", modRevision),
			clientv3.Compare(clientv3.CreateRevision(path), "=", 0),
		}
		if parent != "/" {
			comparisons = append(comparisons, clientv3.Compare(clientv3.CreateRevision(parent), ">", 0))
		}

		txnResp, err := c.kv.Txn(opCtx).
			If(comparisons...).
			Then(
				clientv3.OpPut(counterKey, strconv.FormatInt(current+1, 10)),
				clientv3.OpPut(path, string(payload), clientv3.WithLease(lease)),
			).
			Else(clientv3.OpGet(parent)).
			Commit()
		if err != nil {
			return "", fmt.Errorf("coordination/etcd: failed to create %s: %w", path, err)
		}

		if txnResp.Succeeded {
			return path, nil
		}

		if parent != "/" && !rangeFound(txnResp) {
			return "", fmt.Errorf("%w: %s", gerrors.ErrNoNode, parent)
		}
	}
	return "", fmt.Errorf("coordination/etcd: too many concurrent creations under %s", parent)
}

// Create creates an ephemeral entry at path. An entry still bound to a
// lease this client lost is moved to the current lease.
func (c *Client) Create(ctx context.Context, path string, payload []byte) error {
	lease, err := c.lease()
	if err != nil {
		return err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	path = coordination.Join(path)
	parent := coordination.Parent(path)
	comparisons := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(path), "=", 0)}
	if parent != "/" {
		comparisons = append(comparisons, clientv3.Compare(clientv3.CreateRevision(parent), ">", 0))
	}

	txnResp, err := c.kv.Txn(opCtx).
		If(comparisons...).
		Then(clientv3.OpPut(path, string(payload), clientv3.WithLease(lease))).
		Else(clientv3.OpGet(path)).
		Commit()
	if err != nil {
		return fmt.Errorf("coordination/etcd: failed to create %s: %w", path, err)
	}

	if txnResp.Succeeded {
		return nil
	}

	existing := rangeKV(txnResp)
	switch {
	case existing == nil:
		return fmt.Errorf("%w: %s", gerrors.ErrNoNode, parent)
	case c.retired.Contains(clientv3.LeaseID(existing.Lease)):
		return c.rebind(opCtx, path, payload, existing, lease)
	default:
		return fmt.Errorf("%w: %s", gerrors.ErrNodeExists, path)
	}
}

// rebind puts payload at path under lease, provided the entry did not
// change since it was read
func (c *Client) rebind(ctx context.Context, path string, payload []byte, existing *mvccpb.KeyValue, lease clientv3.LeaseID) error {
	txnResp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(path), "=", existing.ModRevision)).
		Then(clientv3.OpPut(path, string(payload), clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return fmt.Errorf("coordination/etcd: failed to rebind %s: %w", path, err)
	}
	if !txnResp.Succeeded {
		return fmt.Errorf("%w: %s", gerrors.ErrNodeExists, path)
	}
	c.logger.Infof("coordination/etcd: %s moved from lease %x to %x", path, existing.Lease, int64(lease))
	return nil
}

// Get returns the payload of path
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, _, err := c.get(opCtx, coordination.Join(path))
	return payload, err
}

// Children returns the sorted names of the direct children of path
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	names, _, err := c.children(opCtx, coordination.Join(path))
	return names, err
}

// SessionEvents returns the session state channel. It is closed by Close.
// When the reader falls behind, the oldest pending state is dropped.
func (c *Client) SessionEvents() <-chan coordination.SessionState {
	return c.sessions
}

// Close revokes the session lease and releases the etcd client.
// Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var err error
	if session := c.currentSession(); session != nil {
		err = session.Close()
	}
	c.cancel()
	c.wg.Wait()
	close(c.sessions)

	if c.client == nil {
		return err
	}
	if cerr := c.closeFunc(c.client); cerr != nil {
		return errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
	}
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int64, error) {
	resp, err := c.kv.Get(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("coordination/etcd: failed to get %s: %w", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.GetRevision(), fmt.Errorf("%w: %s", gerrors.ErrNoNode, path)
	}
	return resp.Kvs[0].Value, resp.Header.GetRevision(), nil
}

// children lists the direct children of path together with the revision
// the listing was taken at
func (c *Client) children(ctx context.Context, path string) ([]string, int64, error) {
	if path != "/" {
		if _, revision, err := c.get(ctx, path); err != nil {
			return nil, revision, err
		}
	}

	resp, err := c.kv.Get(ctx, childPrefix(path), clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, fmt.Errorf("coordination/etcd: failed to list %s: %w", path, err)
	}

	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name, ok := coordination.IsDirectChild(path, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	return names, resp.Header.GetRevision(), nil
}

func (c *Client) lease() (clientv3.LeaseID, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	session := c.currentSession()
	if session == nil {
		return 0, gerrors.ErrSessionLost
	}
	return session.Lease(), nil
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return gerrors.ErrSessionClosed
	}
	return nil
}

func (c *Client) currentSession() leaseSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) setSession(session leaseSession) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
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
			c.logger.Warnf("coordination/etcd: dropping undelivered session state %s", dropped)
		default:
		}
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = c.config.Context
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

func rangeFound(resp *clientv3.TxnResponse) bool {
	return rangeKV(resp) != nil
}

// rangeKV returns the first key read by the Else branch of a transaction
func rangeKV(resp *clientv3.TxnResponse) *mvccpb.KeyValue {
	if len(resp.Responses) == 0 {
		return nil
	}
	rangeResp := resp.Responses[0].GetResponseRange()
	if rangeResp == nil || len(rangeResp.Kvs) == 0 {
		return nil
	}
	return rangeResp.Kvs[0]
}

func normalizeNamespace(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = defaultNamespace
	}
	return strings.TrimSuffix(trimmed, "/")
}

func childPrefix(path string) string {
	if path == "/" {
		return path
	}
	return path + "/"
}

// sequenceKey does not start with a slash so that counters never show up
// as children
func sequenceKey(parent string) string {
	return sequencePrefix + parent
}
