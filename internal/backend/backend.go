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

// Package backend builds the coordination client selected by the
// environment of a binary.
package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"

	"github.com/shadowao/scrapyd-cluster/coordination"
	"github.com/shadowao/scrapyd-cluster/coordination/consul"
	"github.com/shadowao/scrapyd-cluster/coordination/etcd"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/log"
)

// Supported backends
const (
	Etcd   = "etcd"
	Consul = "consul"
)

// Config holds the coordination settings read from the environment
type Config struct {
	Backend    string        `envconfig:"COORDINATION_BACKEND,default=etcd"`
	Endpoints  []string      `envconfig:"COORDINATION_ENDPOINTS,default=127.0.0.1:2379"`
	Namespace  string        `envconfig:"COORDINATION_NAMESPACE,optional"`
	SessionTTL time.Duration `envconfig:"COORDINATION_SESSION_TTL,default=10s"`
	Timeout    time.Duration `envconfig:"COORDINATION_TIMEOUT,default=5s"`
	Username   string        `envconfig:"COORDINATION_USERNAME,optional"`
	Password   string        `envconfig:"COORDINATION_PASSWORD,optional"`
	Token      string        `envconfig:"COORDINATION_TOKEN,optional"`
	Datacenter string        `envconfig:"COORDINATION_DATACENTER,optional"`
	// Path is where workers register, e.g. /scrapyd/workers/worker-
	Path       string        `envconfig:"REGISTRATION_PATH,default=/scrapyd/workers/worker-"`
}

var _ validation.Validator = (*Config)(nil)

// Load reads the Config from the environment
func Load() (*Config, error) {
	config := new(Config)
	if err := envconfig.Init(config); err != nil {
		return nil, fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}
	return config, config.Validate()
}

// Validate checks the configuration
func (config *Config) Validate() error {
	if err := validation.New(validation.FailFast()).
		AddAssertion(slices.Contains([]string{Etcd, Consul}, config.Backend), fmt.Sprintf("unsupported backend %q", config.Backend)).
		AddAssertion(len(config.Endpoints) > 0, "Endpoints must not be empty").
		AddValidator(validation.NewPathValidator("Path", config.Path)).
		Validate(); err != nil {
		return fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}
	return nil
}

// WatchPath returns the node whose children are the registered workers
func (config *Config) WatchPath() string {
	return coordination.Parent(config.Path)
}

// Connect creates the client of the configured backend
func Connect(ctx context.Context, config *Config, logger log.Logger) (coordination.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Backend {
	case Consul:
		return consul.NewClient(&consul.Config{
			Context:    ctx,
			Address:    config.Endpoints[0],
			Datacenter: config.Datacenter,
			Token:      config.Token,
			Timeout:    config.Timeout,
			SessionTTL: config.SessionTTL,
			KeyPrefix:  strings.Trim(config.Namespace, "/"),
			Logger:     logger,
		})
	default:
		return etcd.NewClient(&etcd.Config{
			Context:    ctx,
			Endpoints:  config.Endpoints,
			Timeout:    config.Timeout,
			SessionTTL: config.SessionTTL,
			Namespace:  config.Namespace,
			Username:   config.Username,
			Password:   config.Password,
			Logger:     logger,
		})
	}
}
