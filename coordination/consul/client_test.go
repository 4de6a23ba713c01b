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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/consul"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

func TestClient(t *testing.T) {
	agent := startConsulAgent(t)
	endpoint, err := agent.ApiEndpoint(t.Context())
	require.NoError(t, err)

	newClient := func(t *testing.T, prefix string) *Client {
		t.Helper()
		client, err := NewClient(&Config{
			Address:       endpoint,
			KeyPrefix:     prefix,
			WaitTime:      time.Second,
			RetryInterval: 100 * time.Millisecond,
			Logger:        log.DiscardLogger,
		})
		require.NoError(t, err)
		return client
	}

	t.Run("With ephemeral sequential entries", func(t *testing.T) {
		ctx := t.Context()
		prefix := fmt.Sprintf("entries-%d", time.Now().UnixNano())
		owner := newClient(t, prefix)
		observer := newClient(t, prefix)
		t.Cleanup(func() { _ = observer.Close() })

		assert.Equal(t, coordination.Connected, <-owner.SessionEvents())

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

		payload, err := observer.Get(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, "http://b:6800/", string(payload))

		require.ErrorIs(t, owner.Create(ctx, first, nil), gerrors.ErrNodeExists)
		require.ErrorIs(t, owner.Create(ctx, "/missing/worker", nil), gerrors.ErrNoNode)
		_, err = owner.CreateSequential(ctx, "/missing/worker", nil)
		require.ErrorIs(t, err, gerrors.ErrNoNode)

		require.NoError(t, owner.Close())
		require.NoError(t, owner.Close())

		require.Eventually(t, func() bool {
			children, err := observer.Children(ctx, "/cluster")
			return err == nil && len(children) == 0
		}, 10*time.Second, 100*time.Millisecond)

		_, err = owner.Get(ctx, "/cluster")
		require.ErrorIs(t, err, gerrors.ErrSessionClosed)
	})
	t.Run("With watches", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		prefix := fmt.Sprintf("watches-%d", time.Now().UnixNano())
		owner := newClient(t, prefix)
		observer := newClient(t, prefix)
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
		assert.Equal(t, "v1", string((<-data).Payload))

		require.NoError(t, owner.Close())
		event := <-data
		assert.True(t, event.Deleted)
		_, open := <-data
		assert.False(t, open)
		assert.Empty(t, <-children)

		missing, err := observer.WatchData(ctx, "/cluster/none")
		require.NoError(t, err)
		assert.True(t, (<-missing).Deleted)
	})
	t.Run("With invalid config", func(t *testing.T) {
		client, err := NewClient(nil)
		require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
		require.Nil(t, client)

		client, err = NewClient(&Config{SessionTTL: time.Second})
		require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
		require.Nil(t, client)
	})
}

func TestConfig(t *testing.T) {
	config := &Config{}
	config.Sanitize()
	require.NotNil(t, config.Context)
	assert.Equal(t, "127.0.0.1:8500", config.Address)
	assert.Equal(t, defaultKeyPrefix, config.KeyPrefix)
	assert.Equal(t, 10*time.Second, config.SessionTTL)
	require.NoError(t, config.Validate())

	config.KeyPrefix = "/bad/"
	require.Error(t, config.Validate())

	client := &Client{config: &Config{KeyPrefix: "prefix"}}
	assert.Equal(t, "prefix/cluster/worker", client.key("/cluster/worker"))
	assert.Equal(t, "/cluster/worker", client.path("prefix/cluster/worker"))
	assert.Equal(t, "prefix/", client.childPrefix("/"))
	assert.Equal(t, "prefix/cluster/", client.childPrefix("/cluster"))
	assert.Equal(t, "prefix.sequence/cluster", client.sequenceKey("/cluster"))
	assert.EqualValues(t, 0, nextIndex(10, 5))
	assert.EqualValues(t, 12, nextIndex(10, 12))
}

func startConsulAgent(t *testing.T) *consul.ConsulContainer {
	t.Helper()
	consulContainer, err := consul.Run(t.Context(), "hashicorp/consul:1.15")
	require.NoError(t, err)
	t.Cleanup(func() {
		err := consulContainer.Terminate(context.Background())
		require.NoError(t, err)
	})
	return consulContainer
}
