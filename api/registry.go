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

// Package api serves the master JSON HTTP API.
//
// Every endpoint is a Service registered under a path segment in a
// Registry. DefaultServices provides the cluster endpoints; deployments add
// their own services to the same Registry before the Server is created.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

var (
	// ErrServiceExists is returned when registering a path segment twice
	ErrServiceExists = errors.New("service already registered")
	// ErrInvalidServiceName is returned for an empty or nested path segment
	ErrInvalidServiceName = errors.New("invalid service name")
	// errBadRequest marks a request missing a required parameter
	errBadRequest = errors.New("bad request")
)

// Service answers one endpoint. The returned fields are merged with
// "status": "ok"; an error is answered as "status": "error".
type Service interface {
	// Methods lists the accepted HTTP methods
	Methods() []string
	// Serve handles the request
	Serve(r *http.Request) (map[string]any, error)
}

// ServiceFunc adapts a function to a Service
type ServiceFunc struct {
	methods []string
	serve   func(r *http.Request) (map[string]any, error)
}

// NewServiceFunc creates a Service accepting methods
func NewServiceFunc(serve func(r *http.Request) (map[string]any, error), methods ...string) *ServiceFunc {
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost}
	}
	return &ServiceFunc{methods: methods, serve: serve}
}

// Methods implements Service
func (s *ServiceFunc) Methods() []string {
	return s.methods
}

// Serve implements Service
func (s *ServiceFunc) Serve(r *http.Request) (map[string]any, error) {
	return s.serve(r)
}

// Registry maps a path segment to a Service
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds service under name
func (r *Registry) Register(name string, service Service) error {
	if name == "" || strings.Contains(name, "/") || service == nil {
		return fmt.Errorf("%w: %q", ErrInvalidServiceName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	r.services[name] = service
	return nil
}

// Lookup returns the service registered under name
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	service, ok := r.services[name]
	return service, ok
}

// Names returns the sorted registered names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Handler routes /<name> to the registered services
func (r *Registry) Handler(logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimPrefix(req.URL.Path, "/")
		service, ok := r.Lookup(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody(fmt.Sprintf("no such resource: %s", name)))
			return
		}

		if !slices.Contains(service.Methods(), req.Method) {
			w.Header().Set("Allow", strings.Join(service.Methods(), ", "))
			writeJSON(w, http.StatusMethodNotAllowed, errorBody(fmt.Sprintf("method %s not allowed", req.Method)))
			return
		}

		fields, err := service.Serve(req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errBadRequest) {
				status = http.StatusBadRequest
			}
			logger.Warnf("%s %s failed: %v", req.Method, req.URL.Path, err)
			writeJSON(w, status, errorBody(err.Error()))
			return
		}

		body := make(map[string]any, len(fields)+1)
		for key, value := range fields {
			body[key] = value
		}
		body["status"] = worker.StatusOK
		writeJSON(w, http.StatusOK, body)
	})
}

func errorBody(message string) map[string]any {
	return map[string]any{"status": worker.StatusError, "message": message}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
