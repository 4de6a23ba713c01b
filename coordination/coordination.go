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

// Package coordination abstracts the shared coordination space in which
// workers register themselves and from which the master learns about them.
//
// The model follows a hierarchical namespace of entries ("nodes") with
// ephemeral, creation-ordered children: an ephemeral entry lives as long as
// the session of the client that created it. Backends live in the
// sub-packages etcd, consul and memory.
package coordination

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// SessionState describes the lifecycle of a client's coordination session
type SessionState int

const (
	// Connected is emitted once a session is (re)established
	Connected SessionState = iota
	// Suspended is emitted when the connection is interrupted but the
	// session may still be alive
	Suspended
	// Lost is emitted when the session expired: every ephemeral entry it
	// owned has been removed by the coordination service
	Lost
)

// String returns the state name
func (s SessionState) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Suspended:
		return "SUSPENDED"
	case Lost:
		return "LOST"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// DataEvent is delivered by WatchData for every payload change of an entry
type DataEvent struct {
	Path    string
	Payload []byte
	// Deleted is true once the entry is gone. It is the last event of a watch.
	Deleted bool
}

// Client is a connection to the coordination space.
//
// Watch channels are closed when ctx is done or the client is closed.
type Client interface {
	// EnsurePath creates path if it does not exist yet. Existing entries are
	// left untouched.
	EnsurePath(ctx context.Context, path string) error
	// CreateSequential creates an ephemeral entry whose name is prefix
	// followed by a creation-ordered counter, and returns its full path.
	CreateSequential(ctx context.Context, prefix string, payload []byte) (string, error)
	// Create creates an ephemeral entry at path. It returns
	// errors.ErrNodeExists when the entry already exists.
	Create(ctx context.Context, path string, payload []byte) error
	// Get returns the payload of path or errors.ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)
	// Children returns the sorted names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// WatchChildren delivers the full, sorted list of children of path
	// every time it changes. The first value is the current list.
	WatchChildren(ctx context.Context, path string) (<-chan []string, error)
	// WatchData delivers the current payload of path and every change
	// after it. A missing or deleted entry yields a Deleted event and the
	// channel is closed.
	WatchData(ctx context.Context, path string) (<-chan DataEvent, error)
	// SessionEvents delivers session state transitions
	SessionEvents() <-chan SessionState
	// Close ends the session. Ephemeral entries of the session disappear.
	Close() error
}

// sequenceWidth is the number of digits of the creation-order suffix
const sequenceWidth = 10

// SequentialName returns the name of the n-th sequential child created
// with the given base name, e.g. worker0000000003
func SequentialName(base string, n int64) string {
	return fmt.Sprintf("%s%0*d", base, sequenceWidth, n)
}

// Join joins path elements into an absolute, clean coordination path
func Join(elem ...string) string {
	joined := path.Join(elem...)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// Parent returns the parent path of p, "/" for top level entries
func Parent(p string) string {
	return path.Dir(Join(p))
}

// Base returns the last element of p
func Base(p string) string {
	return path.Base(Join(p))
}

// IsDirectChild reports whether candidate is an immediate child of parent
// and returns the child name
func IsDirectChild(parent, candidate string) (string, bool) {
	prefix := Join(parent)
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(candidate, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(candidate, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
