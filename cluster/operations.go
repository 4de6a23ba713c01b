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
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

// Operations broadcasts job and project commands to workers
type Operations struct {
	aggregator *Aggregator
	caller     Caller
	logger     log.Logger
}

// NewOperations creates Operations
func NewOperations(members MemberSource, caller Caller, opts ...Option) *Operations {
	o := newOptions(opts...)
	return &Operations{
		aggregator: NewAggregator(members, caller, opts...),
		caller:     caller,
		logger:     o.logger,
	}
}

// Schedule starts spider on hosts, or on every worker hosting project when
// hosts is empty. All the workers share one job id, the one given in args
// or a new one. Hosts that are not live members get an ErrUnknownWorker
// result and are never contacted.
func (o *Operations) Schedule(ctx context.Context, project, spider string, hosts []string, args url.Values) (string, fanout.Results) {
	values := url.Values{}
	for key, list := range args {
		values[key] = append([]string(nil), list...)
	}
	jobID := values.Get(worker.JobIDParam)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	values.Set(worker.ProjectParam, project)
	values.Set(worker.SpiderParam, spider)
	values.Set(worker.JobIDParam, jobID)

	targets, rejected := o.targets(ctx, project, hosts)
	o.logger.Infof("scheduling %s/%s as job %s on %v", project, spider, jobID, targets)
	return jobID, merge(o.post(ctx, targets, worker.ScheduleEndpoint, values), rejected)
}

// Cancel stops job on hosts, or on every worker hosting project when hosts
// is empty
func (o *Operations) Cancel(ctx context.Context, project, job string, hosts []string) fanout.Results {
	values := url.Values{
		worker.ProjectParam: {project},
		worker.JobParam:     {job},
	}
	targets, rejected := o.targets(ctx, project, hosts)
	return merge(o.post(ctx, targets, worker.CancelEndpoint, values), rejected)
}

// DeleteVersion removes version of project from every worker hosting it
func (o *Operations) DeleteVersion(ctx context.Context, project, version string) fanout.Results {
	values := url.Values{
		worker.ProjectParam: {project},
		worker.VersionParam: {version},
	}
	return o.post(ctx, o.aggregator.WorkersForProject(ctx, project), worker.DelVersionEndpoint, values)
}

// DeleteProject removes project from every worker hosting it
func (o *Operations) DeleteProject(ctx context.Context, project string) fanout.Results {
	values := url.Values{worker.ProjectParam: {project}}
	return o.post(ctx, o.aggregator.WorkersForProject(ctx, project), worker.DelProjectEndpoint, values)
}

// AddVersion deploys the packaged project to hosts, or to every live worker
// when hosts is empty
func (o *Operations) AddVersion(ctx context.Context, project, version string, egg []byte, hosts []string) fanout.Results {
	targets, rejected := o.aggregator.Workers(), fanout.Results(nil)
	if len(hosts) > 0 {
		targets, rejected = o.members(hosts)
	}
	params := fanout.Params{
		Values: url.Values{
			worker.ProjectParam: {project},
			worker.VersionParam: {version},
		},
		Files: map[string][]byte{worker.EggFile: egg},
	}
	return merge(o.send(ctx, targets, worker.AddVersionEndpoint, params), rejected)
}

func (o *Operations) targets(ctx context.Context, project string, hosts []string) ([]string, fanout.Results) {
	if len(hosts) > 0 {
		return o.members(hosts)
	}
	return o.aggregator.WorkersForProject(ctx, project), nil
}

// members keeps the hosts that are live workers, compared with and without
// a trailing slash. The others are answered without being contacted.
func (o *Operations) members(hosts []string) ([]string, fanout.Results) {
	live := make(map[string]string)
	for _, address := range o.aggregator.Workers() {
		live[address] = address
		live[strings.TrimSuffix(address, "/")] = address
	}

	var targets []string
	rejected := fanout.Results{}
	for _, host := range hosts {
		address, ok := live[host]
		if !ok {
			address, ok = live[strings.TrimSuffix(host, "/")]
		}
		if !ok {
			o.logger.Warnf("refusing to contact %s: not a cluster member", host)
			rejected[host] = fanout.Result{
				Status:  worker.StatusError,
				Message: "not a cluster member",
				Err:     gerrors.NewWorkerError(host, gerrors.ErrUnknownWorker, "not a cluster member"),
			}
			continue
		}
		if !slices.Contains(targets, address) {
			targets = append(targets, address)
		}
	}
	return targets, rejected
}

func merge(results, rejected fanout.Results) fanout.Results {
	if len(rejected) == 0 {
		return results
	}
	merged := make(fanout.Results, len(results)+len(rejected))
	maps.Copy(merged, rejected)
	maps.Copy(merged, results)
	return merged
}

func (o *Operations) post(ctx context.Context, targets []string, endpoint string, values url.Values) fanout.Results {
	return o.send(ctx, targets, endpoint, fanout.Params{Values: values})
}

func (o *Operations) send(ctx context.Context, targets []string, endpoint string, params fanout.Params) fanout.Results {
	if len(targets) == 0 {
		return fanout.Results{}
	}
	results := o.caller.Call(ctx, targets, endpoint, http.MethodPost, params)
	for _, address := range results.Failed() {
		o.logger.Warnf("%s failed on worker %s: %v", endpoint, address, results[address].Err)
	}
	return results
}
