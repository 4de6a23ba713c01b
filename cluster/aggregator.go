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
	"net/http"
	"net/url"
	"slices"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

// Aggregator answers cluster-wide read queries
type Aggregator struct {
	members MemberSource
	caller  Caller
	logger  log.Logger
}

// NewAggregator creates an Aggregator
func NewAggregator(members MemberSource, caller Caller, opts ...Option) *Aggregator {
	o := newOptions(opts...)
	return &Aggregator{members: members, caller: caller, logger: o.logger}
}

// Workers returns the sorted live worker addresses
func (a *Aggregator) Workers() []string {
	addresses := slices.Clone(a.members.Addresses())
	slices.Sort(addresses)
	return slices.Compact(addresses)
}

// WorkersForProject returns the sorted workers hosting project. An empty
// project selects every live worker.
func (a *Aggregator) WorkersForProject(ctx context.Context, project string) []string {
	workers := a.Workers()
	if project == "" {
		return workers
	}

	hosting := make([]string, 0, len(workers))
	for address, projects := range a.projects(ctx, workers) {
		if slices.Contains(projects, project) {
			hosting = append(hosting, address)
		}
	}
	slices.Sort(hosting)
	return hosting
}

// AllProjects returns the sorted union of the projects of every worker that
// answered ok
func (a *Aggregator) AllProjects(ctx context.Context) []string {
	union := goset.NewThreadUnsafeSet[string]()
	for _, projects := range a.projects(ctx, a.Workers()) {
		union.Append(projects...)
	}
	all := union.ToSlice()
	slices.Sort(all)
	return all
}

// SpiderIndex maps every spider of project to the workers offering it
func (a *Aggregator) SpiderIndex(ctx context.Context, project string) map[string][]string {
	index := make(map[string][]string)
	results := a.call(ctx, a.Workers(), worker.ListSpidersEndpoint, projectParams(project))
	for _, address := range results.OK() {
		var answer worker.Spiders
		if !a.decode(address, results[address], &answer) {
			continue
		}
		for _, spider := range goset.NewThreadUnsafeSet(answer.Spiders...).ToSlice() {
			index[spider] = append(index[spider], address)
		}
	}
	return index
}

// JobsForSpider returns, per worker, the jobs of project run by spider.
// Each state keeps the order reported by the worker.
func (a *Aggregator) JobsForSpider(ctx context.Context, project, spider string) map[string]worker.Jobs {
	all := a.AllJobs(ctx, project)
	filtered := make(map[string]worker.Jobs, len(all))
	for address, jobs := range all {
		filtered[address] = jobs.Filter(spider)
	}
	return filtered
}

// AllJobs returns the jobs of every worker that answered ok. An empty
// project lists the jobs of every project.
func (a *Aggregator) AllJobs(ctx context.Context, project string) map[string]worker.Jobs {
	params := fanout.Params{}
	if project != "" {
		params = projectParams(project)
	}

	jobs := make(map[string]worker.Jobs)
	results := a.call(ctx, a.Workers(), worker.ListJobsEndpoint, params)
	for _, address := range results.OK() {
		var answer worker.JobList
		if !a.decode(address, results[address], &answer) {
			continue
		}
		jobs[address] = answer.Jobs
	}
	return jobs
}

// Status returns the daemon status of every worker that answered ok
func (a *Aggregator) Status(ctx context.Context) map[string]worker.DaemonStatus {
	statuses := make(map[string]worker.DaemonStatus)
	results := a.call(ctx, a.Workers(), worker.DaemonStatusEndpoint, fanout.Params{})
	for _, address := range results.OK() {
		var answer worker.DaemonStatus
		if !a.decode(address, results[address], &answer) {
			continue
		}
		statuses[address] = answer
	}
	return statuses
}

// projects returns the project list of every worker that answered ok
func (a *Aggregator) projects(ctx context.Context, workers []string) map[string][]string {
	projects := make(map[string][]string)
	results := a.call(ctx, workers, worker.ListProjectsEndpoint, fanout.Params{})
	for _, address := range results.OK() {
		var answer worker.Projects
		if !a.decode(address, results[address], &answer) {
			continue
		}
		projects[address] = answer.Projects
	}
	return projects
}

func (a *Aggregator) call(ctx context.Context, workers []string, endpoint string, params fanout.Params) fanout.Results {
	if len(workers) == 0 {
		return fanout.Results{}
	}
	results := a.caller.Call(ctx, workers, endpoint, http.MethodGet, params)
	for _, address := range results.Failed() {
		a.logger.Debugf("worker %s excluded from %s: %v", address, endpoint, results[address].Err)
	}
	return results
}

func (a *Aggregator) decode(address string, result fanout.Result, v any) bool {
	if err := result.Decode(v); err != nil {
		a.logger.Debugf("worker %s excluded: %v", address, err)
		return false
	}
	return true
}

func projectParams(project string) fanout.Params {
	return fanout.Params{Values: url.Values{worker.ProjectParam: {project}}}
}
