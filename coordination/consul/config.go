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
	"strings"
	"time"

	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/log"
)

const defaultKeyPrefix = "scrapyd-cluster"

// Config defines the configuration options of the Consul coordination backend.
type Config struct {
	// Context specifies the execution context for Consul operations.
	// If nil, context.Background() will be used.
	Context context.Context
	// Address is the address of the Consul agent to connect to.
	// Default: "127.0.0.1:8500"
	Address string
	// Datacenter specifies the Consul datacenter to use.
	// If empty, the agent's default datacenter is used.
	Datacenter string
	// Token is the Consul ACL token used for authenticated requests.
	Token string
	// Timeout specifies the maximum duration of non-blocking Consul requests.
	// Default: 10s
	Timeout time.Duration
	// SessionTTL is the TTL of the session owning the ephemeral entries.
	// Consul accepts values between 10s and 24h. Default: 10s
	SessionTTL time.Duration
	// WaitTime bounds a single blocking query of a watch.
	// Default: 10s
	WaitTime time.Duration
	// KeyPrefix prefixes every key, without leading or trailing slash.
	// Default: scrapyd-cluster
	KeyPrefix string
	// MaxRetries is the number of session re-creation attempts per round.
	// Default: 5
	MaxRetries int
	// RetryInterval is the maximum delay between two attempts, also used
	// as the pause after a failed blocking query. Default: 2s
	RetryInterval time.Duration
	// Logger defaults to log.DefaultLogger
	Logger log.Logger
}

var _ validation.Validator = (*Config)(nil)

// Sanitize ensures the configuration is valid and sets defaults.
func (config *Config) Sanitize() {
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Second
	}
	if config.WaitTime <= 0 {
		config.WaitTime = 10 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
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

// Validate checks if the configuration is valid.
func (config *Config) Validate() error {
	return validation.New(validation.FailFast()).
		AddValidator(validation.NewEmptyStringValidator("Address", config.Address)).
		AddValidator(validation.NewEmptyStringValidator("KeyPrefix", config.KeyPrefix)).
		AddAssertion(!strings.HasPrefix(config.KeyPrefix, "/") && !strings.HasSuffix(config.KeyPrefix, "/"), "KeyPrefix must not start or end with a slash").
		AddAssertion(config.SessionTTL >= 10*time.Second && config.SessionTTL <= 24*time.Hour, "SessionTTL must be between 10s and 24h").
		AddAssertion(config.Timeout > 0, "Timeout is invalid").
		Validate()
}
