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

package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/atomic"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

const reconcileJobKey = "reconcile-all"

// Scheduler runs a full reconciliation at a fixed interval
type Scheduler struct {
	// helps lock concurrent access
	mu sync.Mutex
	// underlying quartz scheduler
	quartzScheduler quartz.Scheduler
	started         *atomic.Bool
	reconciler      *Reconciler
	interval        time.Duration
	timeout         time.Duration
	logger          log.Logger
}

// NewScheduler creates a Scheduler. Each pass is bounded by timeout, which
// defaults to interval.
func NewScheduler(reconciler *Reconciler, interval, timeout time.Duration, logger log.Logger) (*Scheduler, error) {
	if reconciler == nil || interval <= 0 {
		return nil, gerrors.ErrInvalidConfig
	}
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = log.DefaultLogger
	}

	quartzScheduler, err := quartz.NewStdScheduler(quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		quartzScheduler: quartzScheduler,
		started:         atomic.NewBool(false),
		reconciler:      reconciler,
		interval:        interval,
		timeout:         timeout,
		logger:          logger,
	}, nil
}

// Start schedules the periodic reconciliation
func (x *Scheduler) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.started.Load() {
		return gerrors.ErrAlreadyStarted
	}

	x.logger.Infof("starting reconciliation scheduler, every %s", x.interval)
	x.quartzScheduler.Start(ctx)

	reconcile := job.NewFunctionJob[bool](func(ctx context.Context) (ok bool, err error) {
		// quartz logging is off: a panic must not end the pass silently
		defer func() {
			if r := recover(); r != nil {
				ok, err = false, fmt.Errorf("reconciliation pass panicked: %v", r)
				x.logger.Error(err)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, x.timeout)
		defer cancel()
		if err := x.reconciler.ReconcileAll(ctx); err != nil {
			x.logger.Errorf("reconciliation pass failed: %v", err)
			return false, err
		}
		return true, nil
	})

	detail := quartz.NewJobDetail(reconcile, quartz.NewJobKey(reconcileJobKey))
	if err := x.quartzScheduler.ScheduleJob(detail, quartz.NewSimpleTrigger(x.interval)); err != nil {
		x.quartzScheduler.Stop()
		return err
	}

	x.started.Store(x.quartzScheduler.IsStarted())
	return nil
}

// Stop halts the scheduler and waits, at most until ctx ends, for a
// running pass
func (x *Scheduler) Stop(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.started.Load() {
		return gerrors.ErrNotStarted
	}

	x.logger.Info("stopping reconciliation scheduler")
	err := x.quartzScheduler.Clear()
	x.quartzScheduler.Stop()
	x.quartzScheduler.Wait(ctx)
	x.started.Store(false)
	return err
}
