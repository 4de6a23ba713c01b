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
	"crypto/tls"
	"time"

	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/log"
)

const defaultNamespace = "/scrapyd-cluster"

// Config defines the settings of the etcd coordination backend
type Config struct {
	// Context is used when dialing and as the parent of the session context.
	// If nil, context.Background() is used.
	Context context.Context
	// Endpoints lists the etcd client URLs. The first one is used to check
	// the connection.
	Endpoints []string
	// DialTimeout bounds the initial connection. Default: 5s
	DialTimeout time.Duration
	// Timeout bounds every single etcd request. Default: 5s
	Timeout time.Duration
	// SessionTTL is the TTL of the lease backing the ephemeral entries.
	// Default: 10s
	SessionTTL time.Duration
	// Namespace prefixes every key. Default: /scrapyd-cluster
	Namespace string
	// TLS is the optional client TLS configuration
	TLS *tls.Config
	// Username and Password enable etcd authentication
	Username string
	Password string
	// MaxRetries is the number of session re-acquire attempts per round.
	// Default: 5
	MaxRetries int
	// RetryInterval is the maximum delay between two re-acquire attempts.
	// Default: 2s
	RetryInterval time.Duration
	// Logger defaults to log.DefaultLogger
	Logger log.Logger
}

var _ validation.Validator = (*Config)(nil)

// Sanitize sets the defaults
func (config *Config) Sanitize() {
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Namespace == "" {
		config.Namespace = defaultNamespace
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.DefaultLogger
	}
}

// Validate checks the configuration
func (config *Config) Validate() error {
	return validation.New(validation.FailFast()).
		AddAssertion(len(config.Endpoints) > 0, "Endpoints must not be empty").
		AddValidator(validation.NewPathValidator("Namespace", config.Namespace)).
		AddAssertion(config.SessionTTL >= time.Second, "SessionTTL must be at least one second").
		AddAssertion(config.Timeout > 0, "Timeout is invalid").
		AddAssertion(config.DialTimeout > 0, "DialTimeout is invalid").
		Validate()
}

func (config *Config) ttlSeconds() int {
	return max(1, int(config.SessionTTL/time.Second))
}
