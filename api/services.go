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

package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/multierr"

	"github.com/shadowao/scrapyd-cluster/cluster"
	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/worker"
)

// Endpoint names of the master
const (
	ListWorkersEndpoint     = "listworkers.json"
	ListProjectsEndpoint    = "listprojects.json"
	ListAllSpidersEndpoint  = "listallspiders.json"
	ListSpiderJobsEndpoint  = "listspiderjobs.json"
	ListJobsEndpoint        = "listjobs.json"
	DaemonStatusEndpoint    = "daemonstatus.json"
	ScheduleEndpoint        = "schedule.json"
	CancelEndpoint          = "cancel.json"
	ReconcileEndpoint       = "reconcile.json"
	hostsParam              = "hosts"
	reconcileProjectsFields = "projects"
)

// Cluster groups the components behind the default services
type Cluster struct {
	Aggregator *cluster.Aggregator
	Operations *cluster.Operations
	Reconciler *cluster.Reconciler
}

// DefaultServices registers the cluster endpoints into registry
func DefaultServices(registry *Registry, c Cluster) error {
	reads := map[string]func(r *http.Request) (map[string]any, error){
		ListWorkersEndpoint:    c.listWorkers,
		ListProjectsEndpoint:   c.listProjects,
		ListAllSpidersEndpoint: c.listAllSpiders,
		ListSpiderJobsEndpoint: c.listSpiderJobs,
		ListJobsEndpoint:       c.listJobs,
		DaemonStatusEndpoint:   c.daemonStatus,
	}
	writes := map[string]func(r *http.Request) (map[string]any, error){
		ScheduleEndpoint:  c.schedule,
		CancelEndpoint:    c.cancel,
		ReconcileEndpoint: c.reconcile,
	}

	var err error
	for name, serve := range reads {
		err = multierr.Append(err, registry.Register(name, NewServiceFunc(serve, http.MethodGet, http.MethodPost)))
	}
	for name, serve := range writes {
		err = multierr.Append(err, registry.Register(name, NewServiceFunc(serve, http.MethodPost)))
	}
	return err
}

func (c Cluster) listWorkers(r *http.Request) (map[string]any, error) {
	workers := c.Aggregator.WorkersForProject(r.Context(), r.FormValue(worker.ProjectParam))
	return map[string]any{"workers": workers}, nil
}

func (c Cluster) listProjects(r *http.Request) (map[string]any, error) {
	return map[string]any{"projects": c.Aggregator.AllProjects(r.Context())}, nil
}

func (c Cluster) listAllSpiders(r *http.Request) (map[string]any, error) {
	project, err := required(r, worker.ProjectParam)
	if err != nil {
		return nil, err
	}
	return map[string]any{"spiders": c.Aggregator.SpiderIndex(r.Context(), project)}, nil
}

func (c Cluster) listSpiderJobs(r *http.Request) (map[string]any, error) {
	project, err := required(r, worker.ProjectParam)
	if err != nil {
		return nil, err
	}
	spider, err := required(r, worker.SpiderParam)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": c.Aggregator.JobsForSpider(r.Context(), project, spider)}, nil
}

func (c Cluster) listJobs(r *http.Request) (map[string]any, error) {
	return map[string]any{"jobs": c.Aggregator.AllJobs(r.Context(), r.FormValue(worker.ProjectParam))}, nil
}

func (c Cluster) daemonStatus(r *http.Request) (map[string]any, error) {
	return map[string]any{"workers": c.Aggregator.Status(r.Context())}, nil
}

func (c Cluster) schedule(r *http.Request) (map[string]any, error) {
	project, err := required(r, worker.ProjectParam)
	if err != nil {
		return nil, err
	}
	spider, err := required(r, worker.SpiderParam)
	if err != nil {
		return nil, err
	}

	args := url.Values{}
	for key, values := range r.PostForm {
		switch key {
		case worker.ProjectParam, worker.SpiderParam, hostsParam:
		default:
			args[key] = values
		}
	}

	jobID, results := c.Operations.Schedule(r.Context(), project, spider, hosts(r), args)
	return map[string]any{"jobid": jobID, "workers": summarize(results)}, nil
}

func (c Cluster) cancel(r *http.Request) (map[string]any, error) {
	project, err := required(r, worker.ProjectParam)
	if err != nil {
		return nil, err
	}
	job, err := required(r, worker.JobParam)
	if err != nil {
		return nil, err
	}
	results := c.Operations.Cancel(r.Context(), project, job, hosts(r))
	return map[string]any{"workers": summarize(results)}, nil
}

func (c Cluster) reconcile(r *http.Request) (map[string]any, error) {
	project := r.FormValue(worker.ProjectParam)
	if project == "" {
		if err := c.Reconciler.ReconcileAll(r.Context()); err != nil {
			return nil, err
		}
		return map[string]any{reconcileProjectsFields: c.Aggregator.AllProjects(r.Context())}, nil
	}

	report := c.Reconciler.ReconcileWithReport(r.Context(), project)
	failed := make(map[string]string, len(report.Failed))
	for address, err := range report.Failed {
		failed[address] = err.Error()
	}
	fields := map[string]any{
		"project": report.Project,
		"latest":  report.Latest,
		"current": report.Current,
		"lagging": report.Lagging,
		"pushed":  report.Pushed,
		"failed":  failed,
	}
	if report.Err != nil {
		fields["message"] = report.Err.Error()
	}
	return fields, nil
}

// summarize keeps the status and message of every worker result
func summarize(results fanout.Results) map[string]map[string]any {
	summary := make(map[string]map[string]any, len(results))
	for address, result := range results {
		entry := map[string]any{"status": result.Status}
		if result.OK() {
			var fields map[string]any
			if err := result.Decode(&fields); err == nil {
				entry = fields
			}
		} else {
			entry["message"] = result.Message
		}
		summary[address] = entry
	}
	return summary
}

func required(r *http.Request, name string) (string, error) {
	value := r.FormValue(name)
	if value == "" {
		return "", fmt.Errorf("%w: missing parameter %q", errBadRequest, name)
	}
	return value, nil
}

// hosts splits the comma separated hosts parameter
func hosts(r *http.Request) []string {
	var list []string
	for _, host := range strings.Split(r.FormValue(hostsParam), ",") {
		if host = strings.TrimSpace(host); host != "" {
			list = append(list, host)
		}
	}
	return list
}
