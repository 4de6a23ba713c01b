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

// Package memory implements an in-process coordination space.
//
// Several clients created from the same Server share one namespace, which
// makes it a drop-in replacement for a real coordination service in tests.
// Session loss is driven explicitly with Client.Expire and Client.Reconnect.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/shadowao/scrapyd-cluster/coordination"
	"github.com/shadowao/scrapyd-cluster/errors"
)

type node struct {
	payload []byte
	// owner is nil for persistent nodes
	owner *Client
}

type childWatch struct {
	path   string
	ch     chan []string
	closed bool
}

type dataWatch struct {
	path   string
	ch     chan coordination.DataEvent
	closed bool
}

// Server is a shared, in-process coordination space
type Server struct {
	mu           sync.Mutex
	nodes        map[string]*node
	sequences    map[string]int64
	childWatches map[string][]*childWatch
	dataWatches  map[string][]*dataWatch
}

// NewServer creates an empty coordination space
func NewServer() *Server {
	return &Server{
		nodes:        map[string]*node{"/": {}},
		sequences:    make(map[string]int64),
		childWatches: make(map[string][]*childWatch),
		dataWatches:  make(map[string][]*dataWatch),
	}
}

// NewClient opens a new session against the server
func (s *Server) NewClient() *Client {
	return &Client{
		server:   s,
		sessions: make(chan coordination.SessionState, sessionBuffer),
		done:     make(chan struct{}),
	}
}

// SetData replaces the payload of an existing node, whatever its owner
func (s *Server) SetData(path string, payload []byte) error {
	path = coordination.Join(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrNoNode, path)
	}
	n.payload = slices.Clone(payload)
	s.notifyData(path, n)
	return nil
}

// Delete removes a node and its descendants, whatever their owner
func (s *Server) Delete(path string) error {
	path = coordination.Join(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[path]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrNoNode, path)
	}
	s.deleteTree(path)
	return nil
}

// Exists reports whether path is present
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[coordination.Join(path)]
	return ok
}

// create must be called with the lock held
func (s *Server) create(path string, payload []byte, owner *Client) error {
	if _, ok := s.nodes[path]; ok {
		return fmt.Errorf("%w: %s", errors.ErrNodeExists, path)
	}
	parent := coordination.Parent(path)
	if _, ok := s.nodes[parent]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrNoNode, parent)
	}
	s.nodes[path] = &node{payload: slices.Clone(payload), owner: owner}
	s.notifyChildren(parent)
	return nil
}

// deleteTree must be called with the lock held
func (s *Server) deleteTree(path string) {
	for _, child := range s.children(path) {
		s.deleteTree(coordination.Join(path, child))
	}
	delete(s.nodes, path)
	s.notifyDeleted(path)
	s.notifyChildren(coordination.Parent(path))
}

func (s *Server) children(path string) []string {
	var names []string
	for candidate := range s.nodes {
		if name, ok := coordination.IsDirectChild(path, candidate); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// notifyChildren replaces the pending list of every children watch of path
// with the current one. Only the server sends on watch channels so the
// drain-then-send never blocks.
func (s *Server) notifyChildren(path string) {
	watches := s.childWatches[path]
	if len(watches) == 0 {
		return
	}
	current := s.children(path)
	for _, w := range watches {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- slices.Clone(current)
	}
}

func (s *Server) notifyData(path string, n *node) {
	for _, w := range s.dataWatches[path] {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- coordination.DataEvent{Path: path, Payload: slices.Clone(n.payload)}
	}
}

func (s *Server) notifyDeleted(path string) {
	for _, w := range s.dataWatches[path] {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- coordination.DataEvent{Path: path, Deleted: true}
		close(w.ch)
		w.closed = true
	}
	delete(s.dataWatches, path)
}

func (s *Server) addChildWatch(ctx context.Context, c *Client, path string) <-chan []string {
	w := &childWatch{path: path, ch: make(chan []string, 1)}
	s.mu.Lock()
	s.childWatches[path] = append(s.childWatches[path], w)
	w.ch <- s.children(path)
	s.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.childWatches[path] = slices.DeleteFunc(s.childWatches[path], func(cw *childWatch) bool { return cw == w })
		if len(s.childWatches[path]) == 0 {
			delete(s.childWatches, path)
		}
		if !w.closed {
			close(w.ch)
			w.closed = true
		}
	}()
	return w.ch
}

func (s *Server) addDataWatch(ctx context.Context, c *Client, path string) <-chan coordination.DataEvent {
	w := &dataWatch{path: path, ch: make(chan coordination.DataEvent, 1)}
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		w.ch <- coordination.DataEvent{Path: path, Deleted: true}
		close(w.ch)
		s.mu.Unlock()
		return w.ch
	}
	s.dataWatches[path] = append(s.dataWatches[path], w)
	w.ch <- coordination.DataEvent{Path: path, Payload: slices.Clone(n.payload)}
	s.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if w.closed {
			return
		}
		s.dataWatches[path] = slices.DeleteFunc(s.dataWatches[path], func(d *dataWatch) bool { return d == w })
		if len(s.dataWatches[path]) == 0 {
			delete(s.dataWatches, path)
		}
		close(w.ch)
		w.closed = true
	}()
	return w.ch
}

// dropSession removes every ephemeral node owned by c
func (s *Server) dropSession(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owned []string
	for path, n := range s.nodes {
		if n.owner == c {
			owned = append(owned, path)
		}
	}
	slices.Sort(owned)
	for _, path := range owned {
		if _, ok := s.nodes[path]; ok {
			s.deleteTree(path)
		}
	}
}
