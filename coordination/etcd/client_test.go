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
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testcontainer "github.com/testcontainers/testcontainers-go/modules/etcd"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

var (
	etcdEndpoints []string
	nsCounter     uint64
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainer.Run(
		ctx,
		"gcr.io/etcd-development/etcd:v3.5.14",
		testcontainer.WithNodes("etcd-1", "etcd-2", "etcd-3"),
	)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	endpoints, err := container.ClientEndpoints(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	etcdEndpoints = endpoints

	code := m.Run()
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func nextNamespace() string {
	return fmt.Sprintf("/test-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&nsCounter, 1))
}

func newTestClient(t *testing.T, namespace string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		Endpoints:  etcdEndpoints,
		Namespace:  namespace,
		SessionTTL: 2 * time.Second,
		Logger:     log.DiscardLogger,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("With nil config", func(t *testing.T) {
		client, err := NewClient(nil)
		require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
		require.Nil(t, client)
	})
	t.Run("With invalid config", func(t *testing.T) {
		client, err := NewClient(&Config{})
		require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
		require.Nil(t, client)
	})
	t.Run("With client error", func(t *testing.T) {
		client, err := newClient(&Config{Endpoints: etcdEndpoints}, func(clientv3.Config) (*clientv3.Client, error) {
			return nil, errors.New("boom")
		}, nil)
		require.EqualError(t, err, "boom")
		require.Nil(t, client)
	})
	t.Run("With unreachable endpoint", func(t *testing.T) {
		closed := false
		client, err := newClient(&Config{
			Endpoints:   []string{"http://127.0.0.1:1"},
			DialTimeout: 200 * time.Millisecond,
		}, clientv3.New, func(client *clientv3.Client) error {
			closed = true
			return client.Close()
		})
		require.Error(t, err)
		require.Nil(t, client)
		assert.True(t, closed)
	})
	t.Run("With default namespace", func(t *testing.T) {
		config := &Config{Endpoints: etcdEndpoints, Logger: log.DiscardLogger}
		client, err := NewClient(config)
		require.NoError(t, err)
		assert.Equal(t, defaultNamespace, config.Namespace)
		assert.Equal(t, coordination.Connected, <-client.SessionEvents())
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
	})
}

func TestClientEntries(t *testing.T) {
	ctx := context.Background()
	namespace := nextNamespace()
	owner := newTestClient(t, namespace)
	observer := newTestClient(t, namespace)
	t.Cleanup(func() { _ = observer.Close() })

	require.NoError(t, owner.EnsurePath(ctx, "/cluster"))
	require.NoError(t, owner.EnsurePath(ctx, "/cluster"))

	first, err := owner.CreateSequential(ctx, "/cluster/worker", []byte("http://a:6800/"))
	require.NoError(t, err)
	second, err := owner.CreateSequential(ctx, "/cluster/worker", []byte("http://b:6800/"))
	require.NoError(t, err)
	assert.Equal(t, "/cluster/worker0000000000", first)
	assert.Equal(t, "/cluster/worker0000000001", second)

	children, err := observer.Children(ctx, "/cluster")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker0000000000", "worker0000000001"}, children)

	roots, err := observer.Children(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster"}, roots)

	payload, err := observer.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "http://a:6800/", string(payload))

	require.ErrorIs(t, owner.Create(ctx, first, nil), gerrors.ErrNodeExists)
	require.ErrorIs(t, owner.Create(ctx, "/missing/worker", nil), gerrors.ErrNoNode)
	_, err = owner.CreateSequential(ctx, "/missing/worker", nil)
	require.ErrorIs(t, err, gerrors.ErrNoNode)
	_, err = observer.Get(ctx, "/cluster/none")
	require.ErrorIs(t, err, gerrors.ErrNoNode)

	// closing the owner revokes its lease and removes its entries
	require.NoError(t, owner.Close())
	children, err = observer.Children(ctx, "/cluster")
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = owner.Get(ctx, "/cluster")
	require.ErrorIs(t, err, gerrors.ErrSessionClosed)
}

func TestClientWatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	namespace := nextNamespace()
	owner := newTestClient(t, namespace)
	observer := newTestClient(t, namespace)
	t.Cleanup(func() { _ = observer.Close() })

	require.NoError(t, owner.EnsurePath(ctx, "/cluster"))
	children, err := observer.WatchChildren(ctx, "/cluster")
	require.NoError(t, err)
	assert.Empty(t, <-children)

	path, err := owner.CreateSequential(ctx, "/cluster/worker", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, []string{coordination.Base(path)}, <-children)

	data, err := observer.WatchData(ctx, path)
	require.NoError(t, err)
	event := <-data
	assert.Equal(t, "v1", string(event.Payload))

	require.NoError(t, owner.Close())

	event = <-data
	assert.True(t, event.Deleted)
	_, open := <-data
	assert.False(t, open)
	assert.Empty(t, <-children)
}

func TestClientSessionRecovery(t *testing.T) {
	t.Run("With lost lease", func(t *testing.T) {
		first := newFakeSession(1)
		second := newFakeSession(2)
		client := newFakeClient(t, newFakeKV(), &fakeWatcher{}, first, second)

		assert.Equal(t, coordination.Connected, <-client.SessionEvents())
		lease, err := client.lease()
		require.NoError(t, err)
		assert.EqualValues(t, 1, lease)

		first.expire()
		assert.Equal(t, coordination.Lost, <-client.SessionEvents())
		assert.Equal(t, coordination.Connected, <-client.SessionEvents())
		lease, err = client.lease()
		require.NoError(t, err)
		assert.EqualValues(t, 2, lease)

		require.NoError(t, client.Close())
		assert.True(t, second.closed.Load())
		_, open := <-client.SessionEvents()
		assert.False(t, open)
	})
	t.Run("With an entry left on the lost lease", func(t *testing.T) {
		leftover := func(lease int64) *fakeTxn {
			return &fakeTxn{resp: &clientv3.TxnResponse{Responses: []*etcdserverpb.ResponseOp{{
				Response: &etcdserverpb.ResponseOp_ResponseRange{
					ResponseRange: &etcdserverpb.RangeResponse{Kvs: []*mvccpb.KeyValue{
						{Key: []byte("/cluster/worker"), Lease: lease, ModRevision: 7},
					}},
				},
			}}}}
		}

		kv := newFakeKV()
		first := newFakeSession(1)
		second := newFakeSession(2)
		client := newFakeClient(t, kv, &fakeWatcher{}, first, second)

		assert.Equal(t, coordination.Connected, <-client.SessionEvents())
		first.expire()
		assert.Equal(t, coordination.Lost, <-client.SessionEvents())
		assert.Equal(t, coordination.Connected, <-client.SessionEvents())

		kv.mu.Lock()
		kv.txns = []*fakeTxn{
			leftover(1), {resp: &clientv3.TxnResponse{Succeeded: true}},
			leftover(2),
			leftover(99),
			leftover(1), {resp: &clientv3.TxnResponse{}},
		}
		kv.mu.Unlock()

		ctx := context.Background()
		// bound to the lost lease: moved to the current one
		require.NoError(t, client.Create(ctx, "/cluster/worker", []byte("http://a:6800/")))
		// already bound to the current lease
		require.ErrorIs(t, client.Create(ctx, "/cluster/worker", nil), gerrors.ErrNodeExists)
		// owned by another client
		require.ErrorIs(t, client.Create(ctx, "/cluster/worker", nil), gerrors.ErrNodeExists)
		// changed between the read and the rebind
		require.ErrorIs(t, client.Create(ctx, "/cluster/worker", nil), gerrors.ErrNodeExists)

		kv.mu.Lock()
		assert.Empty(t, kv.txns)
		kv.mu.Unlock()
		require.NoError(t, client.Close())
	})
	t.Run("With failing re-acquire", func(t *testing.T) {
		first := newFakeSession(1)
		client := newFakeClient(t, newFakeKV(), &fakeWatcher{}, first)

		assert.Equal(t, coordination.Connected, <-client.SessionEvents())
		first.expire()
		assert.Equal(t, coordination.Lost, <-client.SessionEvents())

		_, err := client.lease()
		require.ErrorIs(t, err, gerrors.ErrSessionLost)
		require.ErrorIs(t, client.Create(context.Background(), "/x", nil), gerrors.ErrSessionLost)

		require.NoError(t, client.Close())
		_, err = client.lease()
		require.ErrorIs(t, err, gerrors.ErrSessionClosed)
	})
}

func TestClientSequenceConflict(t *testing.T) {
	kv := newFakeKV()
	kv.put("/cluster", "")
	kv.put(sequenceKey("/cluster"), "7")
	kv.txns = []*fakeTxn{
		{resp: &clientv3.TxnResponse{Succeeded: false, Responses: rangeResponse("/cluster")}},
		{resp: &clientv3.TxnResponse{Succeeded: true}},
	}
	client := newFakeClient(t, kv, &fakeWatcher{}, newFakeSession(1))
	t.Cleanup(func() { _ = client.Close() })

	path, err := client.CreateSequential(context.Background(), "/cluster/worker", nil)
	require.NoError(t, err)
	assert.Equal(t, "/cluster/worker0000000007", path)
	assert.Len(t, kv.txns, 0)

	kv.txns = []*fakeTxn{{resp: &clientv3.TxnResponse{Succeeded: false}}}
	_, err = client.CreateSequential(context.Background(), "/cluster/worker", nil)
	require.ErrorIs(t, err, gerrors.ErrNoNode)

	kv.txns = []*fakeTxn{{resp: &clientv3.TxnResponse{Succeeded: false, Responses: rangeResponse("/cluster/a")}}}
	require.ErrorIs(t, client.Create(context.Background(), "/cluster/a", nil), gerrors.ErrNodeExists)

	kv.txns = []*fakeTxn{{err: errors.New("boom")}}
	require.Error(t, client.Create(context.Background(), "/cluster/a", nil))

	kv.put(sequenceKey("/cluster"), "not-a-number")
	_, err = client.CreateSequential(context.Background(), "/cluster/worker", nil)
	require.ErrorContains(t, err, "corrupted sequence")
}

func TestClientFakeWatches(t *testing.T) {
	t.Run("With children events", func(t *testing.T) {
		kv := newFakeKV()
		kv.put("/cluster", "")
		kv.put("/cluster/worker0000000000", "a")
		watcher := &fakeWatcher{ch: make(chan clientv3.WatchResponse, 4)}
		client := newFakeClient(t, kv, watcher, newFakeSession(1))

		ctx, cancel := context.WithCancel(context.Background())
		children, err := client.WatchChildren(ctx, "/cluster")
		require.NoError(t, err)
		assert.Equal(t, []string{"worker0000000000"}, <-children)

		kv.put("/cluster/worker0000000001", "b")
		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent("/cluster/worker0000000001", "b", 1)}}
		assert.Equal(t, []string{"worker0000000000", "worker0000000001"}, <-children)

		// payload updates and grandchildren do not change the child list
		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent("/cluster/worker0000000001", "c", 2)}}
		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent("/cluster/worker0000000001/x", "c", 1)}}

		kv.remove("/cluster/worker0000000000")
		watcher.ch <- clientv3.WatchResponse{Canceled: true, CompactRevision: 3}
		assert.Equal(t, []string{"worker0000000001"}, <-children)

		cancel()
		for range children {
		}
		require.NoError(t, client.Close())
	})
	t.Run("With data events", func(t *testing.T) {
		kv := newFakeKV()
		kv.put("/cluster/worker0000000000", "a")
		watcher := &fakeWatcher{ch: make(chan clientv3.WatchResponse, 4)}
		client := newFakeClient(t, kv, watcher, newFakeSession(1))

		data, err := client.WatchData(context.Background(), "/cluster/worker0000000000")
		require.NoError(t, err)
		assert.Equal(t, "a", string((<-data).Payload))

		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent("/cluster/worker0000000000", "b", 2)}}
		assert.Equal(t, "b", string((<-data).Payload))

		// a delete and a re-create in one response keep the watch open
		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{
			{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte("/cluster/worker0000000000")}},
			putEvent("/cluster/worker0000000000", "c", 1),
		}}
		event := <-data
		assert.False(t, event.Deleted)
		assert.Equal(t, "c", string(event.Payload))

		watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte("/cluster/worker0000000000")}}}}
		event = <-data
		assert.True(t, event.Deleted)
		_, open := <-data
		assert.False(t, open)

		missing, err := client.WatchData(context.Background(), "/cluster/none")
		require.NoError(t, err)
		assert.True(t, (<-missing).Deleted)

		require.NoError(t, client.Close())
	})
	t.Run("With client closed", func(t *testing.T) {
		kv := newFakeKV()
		kv.put("/cluster", "")
		watcher := &fakeWatcher{ch: make(chan clientv3.WatchResponse)}
		client := newFakeClient(t, kv, watcher, newFakeSession(1))

		children, err := client.WatchChildren(context.Background(), "/cluster")
		require.NoError(t, err)
		assert.Empty(t, <-children)

		require.NoError(t, client.Close())
		_, open := <-children
		assert.False(t, open)

		_, err = client.WatchChildren(context.Background(), "/cluster")
		require.ErrorIs(t, err, gerrors.ErrSessionClosed)
	})
}

func TestConfig(t *testing.T) {
	config := &Config{}
	config.Sanitize()
	require.NotNil(t, config.Context)
	assert.Equal(t, defaultNamespace, config.Namespace)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 5*time.Second, config.Timeout)
	assert.Equal(t, 10*time.Second, config.SessionTTL)
	assert.Equal(t, 10, config.ttlSeconds())
	require.Error(t, config.Validate())

	config.Endpoints = []string{"http://127.0.0.1:2379"}
	require.NoError(t, config.Validate())

	config.Namespace = "relative"
	require.Error(t, config.Validate())

	assert.Equal(t, 1, (&Config{SessionTTL: 500 * time.Millisecond}).ttlSeconds())
	assert.Equal(t, "/custom", normalizeNamespace("/custom/"))
	assert.Equal(t, defaultNamespace, normalizeNamespace(" "))
	assert.Equal(t, "/", childPrefix("/"))
	assert.Equal(t, "/cluster/", childPrefix("/cluster"))
}

func newFakeClient(t *testing.T, kv clientv3.KV, watcher clientv3.Watcher, sessions ...*fakeSession) *Client {
	t.Helper()
	config := &Config{
		Endpoints:     []string{"http://127.0.0.1:2379"},
		MaxRetries:    2,
		RetryInterval: 10 * time.Millisecond,
		Logger:        log.DiscardLogger,
	}
	config.Sanitize()

	var mu sync.Mutex
	client := &Client{
		config:   config,
		kv:       kv,
		watcher:  watcher,
		logger:   config.Logger,
		sessions: make(chan coordination.SessionState, sessionBuffer),
	}
	client.sessionFunc = func(context.Context) (leaseSession, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(sessions) == 0 {
			return nil, errors.New("etcd unavailable")
		}
		next := sessions[0]
		sessions = sessions[1:]
		return next, nil
	}
	require.NoError(t, client.start())
	return client
}

type fakeSession struct {
	id     clientv3.LeaseID
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newFakeSession(id int64) *fakeSession {
	return &fakeSession{id: clientv3.LeaseID(id), done: make(chan struct{})}
}

func (f *fakeSession) Lease() clientv3.LeaseID { return f.id }

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	f.expire()
	return nil
}

func (f *fakeSession) expire() {
	f.once.Do(func() { close(f.done) })
}

type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	txns   []*fakeTxn
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) put(key, value string) {
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
}

func (f *fakeKV) remove(key string) {
	f.mu.Lock()
	delete(f.values, key)
	f.mu.Unlock()
}

func (f *fakeKV) Put(_ context.Context, key, value string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.put(key, value)
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := len(clientv3.OpGet(key, opts...).RangeBytes()) > 0
	var keys []string
	for k := range f.values {
		if k == key || (prefix && strings.HasPrefix(k, key)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	resp := &clientv3.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: 10}}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.values[k]), ModRevision: 5})
	}
	return resp, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.remove(key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) Compact(context.Context, int64, ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (f *fakeKV) Do(context.Context, clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, nil
}

func (f *fakeKV) Txn(context.Context) clientv3.Txn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txns) == 0 {
		return &fakeTxn{resp: &clientv3.TxnResponse{Succeeded: true}}
	}
	txn := f.txns[0]
	f.txns = f.txns[1:]
	return txn
}

type fakeTxn struct {
	resp *clientv3.TxnResponse
	err  error
}

func (f *fakeTxn) If(...clientv3.Cmp) clientv3.Txn { return f }

func (f *fakeTxn) Then(...clientv3.Op) clientv3.Txn { return f }

func (f *fakeTxn) Else(...clientv3.Op) clientv3.Txn { return f }

func (f *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if f.resp == nil {
		return &clientv3.TxnResponse{}, f.err
	}
	return f.resp, f.err
}

type fakeWatcher struct {
	ch chan clientv3.WatchResponse
}

func (f *fakeWatcher) Watch(ctx context.Context, _ string, _ ...clientv3.OpOption) clientv3.WatchChan {
	out := make(chan clientv3.WatchResponse)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp := <-f.ch:
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
				if resp.Canceled {
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeWatcher) RequestProgress(context.Context) error { return nil }

func (f *fakeWatcher) Close() error { return nil }

func putEvent(key, value string, version int64) *clientv3.Event {
	return &clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value), Version: version},
	}
}

func rangeResponse(key string) []*etcdserverpb.ResponseOp {
	return []*etcdserverpb.ResponseOp{{
		Response: &etcdserverpb.ResponseOp_ResponseRange{
			ResponseRange: &etcdserverpb.RangeResponse{Kvs: []*mvccpb.KeyValue{{Key: []byte(key)}}},
		},
	}}
}
