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

// Command register runs next to a worker and keeps its entry alive in the
// coordination space until it is signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vrischmann/envconfig"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/internal/backend"
	xhttp "github.com/shadowao/scrapyd-cluster/internal/http"
	"github.com/shadowao/scrapyd-cluster/internal/osutil"
	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/registration"
)

type config struct {
	// Address is the advertised base URL. When empty it is built from
	// Host and Port.
	Address         string        `envconfig:"WORKER_ADDRESS,optional"`
	Host            string        `envconfig:"WORKER_HOST,optional"`
	Port            int           `envconfig:"WORKER_PORT,default=6800"`
	TLS             bool          `envconfig:"WORKER_TLS,default=false"`
	LogLevel        string        `envconfig:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT,default=10s"`
}

// advertised returns the worker base URL
func (c *config) advertised() (string, error) {
	address := c.Address
	if address == "" {
		host := c.Host
		if host == "" {
			var err error
			if host, err = os.Hostname(); err != nil {
				return "", err
			}
		}
		address = xhttp.URL(host, c.Port)
		if c.TLS {
			address = xhttp.URLs(host, c.Port)
		}
	}

	if err := validation.New(validation.FailFast()).
		AddValidator(validation.NewURLValidator("WORKER_ADDRESS", address)).
		Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}
	return address, nil
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	appCfg := new(config)
	if err := envconfig.Init(appCfg); err != nil {
		return fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}
	level := log.ParseLevel(appCfg.LogLevel)
	if level == log.InvalidLevel {
		return fmt.Errorf("%w: unknown log level %q", gerrors.ErrInvalidConfig, appCfg.LogLevel)
	}
	logger := log.NewZap(level, os.Stdout)
	defer func() { _ = logger.Flush() }()

	address, err := appCfg.advertised()
	if err != nil {
		return err
	}

	backendCfg, err := backend.Load()
	if err != nil {
		return err
	}

	client, err := backend.Connect(ctx, backendCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", backendCfg.Backend, err)
	}

	handle, err := registration.Register(ctx, client, address, backendCfg.Path, registration.WithLogger(logger))
	if err != nil {
		_ = client.Close()
		return err
	}

	logger.Infof("registered %s at %s", address, handle.Path())
	return osutil.WaitForShutdown(ctx, logger, appCfg.ShutdownTimeout,
		func(context.Context) error {
			handle.Close()
			return nil
		},
		func(context.Context) error {
			return client.Close()
		})
}
