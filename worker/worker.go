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

// Package worker describes the JSON HTTP API exposed by every crawl worker.
//
// Every endpoint answers one JSON object carrying a "status" field set to
// "ok" or "error". The types below decode the "ok" answers.
package worker

import (
	"encoding/json"
	"net/url"
	"path"
)

// Endpoints, relative to a worker base URL
const (
	DaemonStatusEndpoint = "daemonstatus.json"
	AddVersionEndpoint   = "addversion.json"
	ScheduleEndpoint     = "schedule.json"
	CancelEndpoint       = "cancel.json"
	ListProjectsEndpoint = "listprojects.json"
	ListVersionsEndpoint = "listversions.json"
	ListSpidersEndpoint  = "listspiders.json"
	ListJobsEndpoint     = "listjobs.json"
	DelVersionEndpoint   = "delversion.json"
	DelProjectEndpoint   = "delproject.json"
)

// Status values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request parameter and file field names
const (
	ProjectParam = "project"
	VersionParam = "version"
	SpiderParam  = "spider"
	JobIDParam   = "jobid"
	JobParam     = "job"
	// VersionOverrideParam selects the project version of schedule and
	// listspiders
	VersionOverrideParam = "_version"
	EggFile              = "egg"
)

// EggPath returns the path of the packaged artifact of a project version,
// relative to the worker base URL
func EggPath(project, version string) string {
	return path.Join("eggs", url.PathEscape(project), url.PathEscape(version)+".egg")
}

// Response holds the fields shared by every answer
type Response struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	NodeName string `json:"node_name,omitempty"`
}

// OK reports whether the worker answered status ok
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// DaemonStatus is the answer of daemonstatus.json
type DaemonStatus struct {
	Response
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
}

// Projects is the answer of listprojects.json
type Projects struct {
	Response
	Projects []string `json:"projects"`
}

// Versions is the answer of listversions.json. The last version is the
// current one.
type Versions struct {
	Response
	Versions []string `json:"versions"`
}

// Spiders is the answer of listspiders.json
type Spiders struct {
	Response
	Spiders []string `json:"spiders"`
}

// Job is one job record. Fields the cluster does not interpret are kept
// in Extra so a job can be relayed unchanged.
type Job struct {
	ID        string `json:"id"`
	Spider    string `json:"spider"`
	PID       int    `json:"pid,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var jobFields = []string{"id", "spider", "pid", "start_time", "end_time"}

// UnmarshalJSON decodes the known fields and keeps the others
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, field := range jobFields {
		delete(all, field)
	}
	if len(all) > 0 {
		known.Extra = all
	}

	*j = Job(known)
	return nil
}

// MarshalJSON writes the known fields merged with the kept ones
func (j Job) MarshalJSON() ([]byte, error) {
	type plain Job
	known, err := json.Marshal(plain(j))
	if err != nil || len(j.Extra) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(j.Extra)+len(jobFields))
	for field, value := range j.Extra {
		merged[field] = value
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for field, value := range fields {
		merged[field] = value
	}
	return json.Marshal(merged)
}

// Jobs groups the jobs of a worker by state
type Jobs struct {
	Pending  []Job `json:"pending"`
	Running  []Job `json:"running"`
	Finished []Job `json:"finished"`
}

// Filter returns the jobs of spider, keeping the order within each state
func (j Jobs) Filter(spider string) Jobs {
	keep := func(jobs []Job) []Job {
		out := make([]Job, 0, len(jobs))
		for _, job := range jobs {
			if job.Spider == spider {
				out = append(out, job)
			}
		}
		return out
	}
	return Jobs{
		Pending:  keep(j.Pending),
		Running:  keep(j.Running),
		Finished: keep(j.Finished),
	}
}

// JobList is the answer of listjobs.json
type JobList struct {
	Response
	Jobs
}

// Schedule is the answer of schedule.json
type Schedule struct {
	Response
	JobID string `json:"jobid"`
}

// Cancel is the answer of cancel.json
type Cancel struct {
	Response
	PrevState string `json:"prevstate"`
}

// AddVersion is the answer of addversion.json
type AddVersion struct {
	Response
	Project string `json:"project,omitempty"`
	Version string `json:"version,omitempty"`
	Spiders int    `json:"spiders"`
}
