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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/multierr"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/internal/metric"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/version"
	"github.com/shadowao/scrapyd-cluster/worker"
)

// SourceSelector orders the up-to-date workers of a project. The artifact
// is downloaded from the first one that serves it.
type SourceSelector func(project, version string, current []string) []string

// FirstSource keeps the sorted order, so the same worker is always tried
// first
func FirstSource(_, _ string, current []string) []string {
	sources := slices.Clone(current)
	slices.Sort(sources)
	return sources
}

// Report describes one reconciliation pass
type Report struct {
	Project string
	// Latest is the greatest version reported by any worker
	Latest string
	// Current lists the workers already holding Latest
	Current []string
	// Lagging lists the workers missing Latest
	Lagging []string
	// Source is the worker the artifact was downloaded from
	Source string
	// Pushed lists the lagging workers that accepted Latest
	Pushed []string
	// Failed holds the push failure of every other lagging worker
	Failed map[string]error
	// Err is errors.ErrNoQuorum when no worker answered ok and
	// errors.ErrArtifactUnavailable when no up-to-date worker served the
	// artifact
	Err error
}

// Reconciler pushes the newest version of a project to the workers lagging
// behind
type Reconciler struct {
	aggregator *Aggregator
	caller     Caller
	logger     log.Logger
	selector   SourceSelector
	retries    uint
	retryDelay time.Duration
	metric     *metric.ClusterMetric
}

// NewReconciler creates a Reconciler
func NewReconciler(members MemberSource, caller Caller, opts ...Option) *Reconciler {
	o := newOptions(opts...)
	return &Reconciler{
		aggregator: NewAggregator(members, caller, opts...),
		caller:     caller,
		logger:     o.logger,
		selector:   o.selector,
		retries:    o.retries,
		retryDelay: o.retryDelay,
		metric:     o.metric,
	}
}

// Reconcile brings every worker hosting project to its newest version.
//
// Nothing happens when no worker reports the project. Failed pushes are
// logged and left to the next pass. The only error is an artifact that no
// up-to-date worker could serve.
func (r *Reconciler) Reconcile(ctx context.Context, project string) error {
	report := r.ReconcileWithReport(ctx, project)
	if errors.Is(report.Err, gerrors.ErrArtifactUnavailable) {
		return report.Err
	}
	return nil
}

// ReconcileAll reconciles every project known to the cluster
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	var err error
	for _, project := range r.aggregator.AllProjects(ctx) {
		if ctx.Err() != nil {
			return multierr.Append(err, ctx.Err())
		}
		err = multierr.Append(err, r.Reconcile(ctx, project))
	}
	return err
}

// ReconcileWithReport runs one pass on project and describes it
func (r *Reconciler) ReconcileWithReport(ctx context.Context, project string) *Report {
	logger := r.logger.With("project", project)
	report := &Report{Project: project, Failed: make(map[string]error)}

	versions := r.versions(ctx, project)
	if len(versions) == 0 {
		report.Err = gerrors.ErrNoQuorum
		logger.Debugf("nothing to reconcile: %v", report.Err)
		return report
	}

	var all []string
	for _, list := range versions {
		all = append(all, list...)
	}
	latest, ok := version.Max(all...)
	if !ok {
		logger.Debug("nothing to reconcile: no version reported")
		return report
	}
	report.Latest = latest

	for address, list := range versions {
		if slices.Contains(list, latest) {
			report.Current = append(report.Current, address)
			continue
		}
		report.Lagging = append(report.Lagging, address)
	}
	slices.Sort(report.Current)
	slices.Sort(report.Lagging)

	if len(report.Lagging) == 0 {
		logger.Debugf("every worker runs %s", latest)
		return report
	}

	logger.Infof("workers %v lag behind %s", report.Lagging, latest)

	egg, source, err := r.artifact(ctx, project, latest, report.Current)
	if err != nil {
		report.Err = err
		logger.Errorf("failed to reconcile: %v", err)
		return report
	}
	report.Source = source

	r.push(ctx, report, egg)
	return report
}

// versions returns the version list of every worker that answered ok
func (r *Reconciler) versions(ctx context.Context, project string) map[string][]string {
	versions := make(map[string][]string)
	results := r.aggregator.call(ctx, r.aggregator.Workers(), worker.ListVersionsEndpoint, projectParams(project))
	for _, address := range results.OK() {
		var answer worker.Versions
		if !r.aggregator.decode(address, results[address], &answer) {
			continue
		}
		versions[address] = answer.Versions
	}
	return versions
}

// artifact downloads the packaged project from the first source serving it
func (r *Reconciler) artifact(ctx context.Context, project, latest string, current []string) ([]byte, string, error) {
	var errs error
	for _, source := range r.selector(project, latest, current) {
		var egg []byte
		err := retry.Do(
			func() error {
				payload, err := r.caller.Fetch(ctx, source, worker.EggPath(project, latest))
				if err != nil {
					return err
				}
				egg = payload
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(r.retries),
			retry.Delay(r.retryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.OnRetry(func(attempt uint, err error) {
				r.logger.Warnf("failed to download %s %s from %s, attempt: %d: %v", project, latest, source, attempt+1, err)
			}),
		)
		if err == nil {
			return egg, source, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, "", fmt.Errorf("%w: %s %s: %w", gerrors.ErrArtifactUnavailable, project, latest, errs)
}

// push sends the artifact to every lagging worker, retrying the ones that
// could not be reached
func (r *Reconciler) push(ctx context.Context, report *Report, egg []byte) {
	params := fanout.Params{
		Values: url.Values{
			worker.ProjectParam: {report.Project},
			worker.VersionParam: {report.Latest},
		},
		Files: map[string][]byte{worker.EggFile: egg},
	}

	remaining := report.Lagging
	_ = retry.Do(
		func() error {
			results := r.caller.Call(ctx, remaining, worker.AddVersionEndpoint, http.MethodPost, params)
			var unreachable []string
			for _, address := range remaining {
				result, ok := results[address]
				switch {
				case ok && result.OK():
					report.Pushed = append(report.Pushed, address)
					delete(report.Failed, address)
					r.metric.RecordPush(ctx, report.Project, true)
				case ok && retryable(result.Err):
					report.Failed[address] = result.Err
					unreachable = append(unreachable, address)
				default:
					err := result.Err
					if !ok {
						err = gerrors.NewWorkerError(address, gerrors.ErrTransport, "no result")
					}
					report.Failed[address] = err
					r.metric.RecordPush(ctx, report.Project, false)
				}
			}
			remaining = unreachable
			if len(remaining) > 0 {
				return fmt.Errorf("%w: %d workers unreachable", gerrors.ErrTransport, len(remaining))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.retries),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			r.logger.Warnf("failed to push %s %s, attempt: %d: %v", report.Project, report.Latest, attempt+1, err)
		}),
	)

	for range remaining {
		r.metric.RecordPush(ctx, report.Project, false)
	}

	slices.Sort(report.Pushed)
	for address, err := range report.Failed {
		r.logger.Warnf("worker %s left on an older version of %s, retried on the next pass: %v", address, report.Project, err)
	}
}

// retryable reports transport failures, the only ones another attempt may
// fix
func retryable(err error) bool {
	return errors.Is(err, gerrors.ErrTransport)
}
