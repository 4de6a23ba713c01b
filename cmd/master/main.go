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

// Command master watches the registered workers, serves the cluster JSON
// API and periodically reconciles the deployed project versions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vrischmann/envconfig"

	"github.com/shadowao/scrapyd-cluster/api"
	"github.com/shadowao/scrapyd-cluster/cluster"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/internal/backend"
	"github.com/shadowao/scrapyd-cluster/internal/metric"
	"github.com/shadowao/scrapyd-cluster/internal/osutil"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/membership"
)

type config struct {
	ListenAddress     string        `envconfig:"MASTER_LISTEN_ADDRESS,default=:5000"`
	LogLevel          string        `envconfig:"LOG_LEVEL,default=info"`
	FanoutTimeout     time.Duration `envconfig:"FANOUT_TIMEOUT,default=5s"`
	FanoutConcurrency int           `envconfig:"FANOUT_CONCURRENCY,default=32"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL,default=1m"`
	ReconcileTimeout  time.Duration `envconfig:"RECONCILE_TIMEOUT,default=30s"`
	ReconcileRetries  uint          `envconfig:"RECONCILE_RETRIES,default=3"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT,default=10s"`
}

func loadConfig() (*config, log.Level, error) {
	appCfg := new(config)
	if err := envconfig.Init(appCfg); err != nil {
		return nil, log.InvalidLevel, fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}
	level := log.ParseLevel(appCfg.LogLevel)
	if level == log.InvalidLevel {
		return nil, level, fmt.Errorf("%w: unknown log level %q", gerrors.ErrInvalidConfig, appCfg.LogLevel)
	}
	return appCfg, level, nil
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "master: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	appCfg, level, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.NewZap(level, os.Stdout)
	defer func() { _ = logger.Flush() }()

	backendCfg, err := backend.Load()
	if err != nil {
		return err
	}

	client, err := backend.Connect(ctx, backendCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", backendCfg.Backend, err)
	}

	instruments, err := metric.NewClusterMetric(metric.New().Meter())
	if err != nil {
		_ = client.Close()
		return err
	}

	watchPath := backendCfg.WatchPath()
	if err := client.EnsurePath(ctx, watchPath); err != nil {
		_ = client.Close()
		return err
	}

	watcher, err := membership.Watch(ctx, client, watchPath,
		membership.WithLogger(logger),
		membership.WithMetric(instruments))
	if err != nil {
		_ = client.Close()
		return err
	}
	go logMembership(watcher, logger)

	caller := fanout.New(
		fanout.WithTimeout(appCfg.FanoutTimeout),
		fanout.WithConcurrency(appCfg.FanoutConcurrency),
		fanout.WithLogger(logger),
		fanout.WithMetric(instruments))

	opts := []cluster.Option{
		cluster.WithLogger(logger),
		cluster.WithRetries(appCfg.ReconcileRetries),
		cluster.WithMetric(instruments),
	}
	reconciler := cluster.NewReconciler(watcher, caller, opts...)
	registry := api.NewRegistry()
	if err := api.DefaultServices(registry, api.Cluster{
		Aggregator: cluster.NewAggregator(watcher, caller, opts...),
		Operations: cluster.NewOperations(watcher, caller, opts...),
		Reconciler: reconciler,
	}); err != nil {
		watcher.Stop()
		_ = client.Close()
		return err
	}

	server := api.NewServer(appCfg.ListenAddress, registry, api.WithServerLogger(logger))
	if err := server.Start(ctx); err != nil {
		watcher.Stop()
		_ = client.Close()
		return err
	}

	scheduler, err := cluster.NewScheduler(reconciler, appCfg.ReconcileInterval, appCfg.ReconcileTimeout, logger)
	if err == nil {
		err = scheduler.Start(ctx)
	}
	if err != nil {
		_ = server.Stop(ctx)
		watcher.Stop()
		_ = client.Close()
		return err
	}

	logger.Infof("master watching %s on %s", watchPath, backendCfg.Backend)
	return osutil.WaitForShutdown(ctx, logger, appCfg.ShutdownTimeout,
		scheduler.Stop,
		server.Stop,
		func(context.Context) error {
			watcher.Stop()
			return nil
		},
		func(context.Context) error {
			return client.Close()
		})
}

// logMembership drains the watcher events until it stops
func logMembership(watcher *membership.Watcher, logger log.Logger) {
	for event := range watcher.Events() {
		logger.With("worker", event.ID).Infof("worker %s: %s", event.Type, string(event.Payload))
	}
}
