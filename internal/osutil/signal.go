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

package osutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/shadowao/scrapyd-cluster/log"
)

// ExitHook is executed on receiving SIGTERM or SIGINT signal.
type ExitHook func(ctx context.Context) error

// WaitForShutdown blocks until SIGINT or SIGTERM is received or ctx is done.
// It then runs the hooks in order, all sharing a context bounded by timeout,
// and returns their combined errors.
func WaitForShutdown(ctx context.Context, logger log.Logger, timeout time.Duration, hooks ...ExitHook) error {
	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(notifier)

	select {
	case sig := <-notifier:
		logger.Infof("received an OS signal (%s) to shutdown", sig.String())
	case <-ctx.Done():
		logger.Infof("shutting down: %v", context.Cause(ctx))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var err error
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		err = multierr.Append(err, hook(stopCtx))
	}
	return err
}
