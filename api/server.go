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

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

// Server serves a Registry over HTTP
type Server struct {
	mu       sync.Mutex
	address  string
	logger   log.Logger
	server   *http.Server
	listener net.Listener
	started  *atomic.Bool
	done     chan struct{}
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger log.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a Server listening on address once started
func NewServer(address string, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		address: address,
		logger:  log.DefaultLogger,
		started: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Handler:           registry.Handler(s.logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          s.logger.StdLogger(),
	}
	return s
}

// Start binds the address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.Load() {
		return gerrors.ErrAlreadyStarted
	}

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", s.address)
	if err != nil {
		return err
	}

	s.listener = listener
	s.done = make(chan struct{})
	s.started.Store(true)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("api server stopped: %v", err)
		}
	}()

	s.logger.Infof("api server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started.Load() {
		return gerrors.ErrNotStarted
	}

	err := s.server.Shutdown(ctx)
	<-s.done
	s.started.Store(false)
	return err
}
