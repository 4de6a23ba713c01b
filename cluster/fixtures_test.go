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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shadowao/scrapyd-cluster/fanout"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

// fakeWorker serves the worker JSON API from in-memory state
type fakeWorker struct {
	*httptest.Server

	mu       sync.Mutex
	broken   bool
	projects map[string][]string
	spiders  map[string][]string
	jobs     map[string]worker.Jobs
	eggs     map[string][]byte
	requests map[string][]map[string][]string
}

func newFakeWorker(t *testing.T, projects map[string][]string, opts ...func(*fakeWorker)) *fakeWorker {
	t.Helper()
	w := &fakeWorker{
		projects: projects,
		spiders:  make(map[string][]string),
		jobs:     make(map[string]worker.Jobs),
		eggs:     make(map[string][]byte),
		requests: make(map[string][]map[string][]string),
	}
	if w.projects == nil {
		w.projects = make(map[string][]string)
	}
	for _, opt := range opts {
		opt(w)
	}
	w.Server = httptest.NewServer(http.HandlerFunc(w.serve))
	t.Cleanup(w.Close)
	return w
}

// address returns the base URL as registered by a worker
func (w *fakeWorker) address() string {
	return w.URL + "/"
}

func broken(w *fakeWorker) {
	w.broken = true
}

func (w *fakeWorker) calls(endpoint string) []map[string][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests[endpoint]
}

func (w *fakeWorker) serve(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	if strings.HasPrefix(endpoint, "eggs/") {
		egg, ok := w.eggs[strings.TrimPrefix(endpoint, "eggs/")]
		if !ok {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write(egg)
		return
	}

	var egg []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		_ = r.ParseMultipartForm(1 << 20)
		if file, _, err := r.FormFile(worker.EggFile); err == nil {
			egg, _ = io.ReadAll(file)
			_ = file.Close()
		}
	} else {
		_ = r.ParseForm()
	}
	params := map[string][]string(r.Form)
	w.requests[endpoint] = append(w.requests[endpoint], params)

	if w.broken {
		w.reply(rw, map[string]any{"status": "error", "message": "worker is broken"})
		return
	}

	project := r.FormValue(worker.ProjectParam)
	switch endpoint {
	case worker.ListProjectsEndpoint:
		projects := make([]string, 0, len(w.projects))
		for name := range w.projects {
			projects = append(projects, name)
		}
		w.reply(rw, map[string]any{"status": "ok", "projects": projects})
	case worker.ListVersionsEndpoint:
		w.reply(rw, map[string]any{"status": "ok", "versions": w.projects[project]})
	case worker.ListSpidersEndpoint:
		w.reply(rw, map[string]any{"status": "ok", "spiders": w.spiders[project]})
	case worker.ListJobsEndpoint:
		jobs := w.jobs[project]
		w.reply(rw, map[string]any{"status": "ok", "pending": jobs.Pending, "running": jobs.Running, "finished": jobs.Finished})
	case worker.DaemonStatusEndpoint:
		w.reply(rw, map[string]any{"status": "ok", "pending": 0, "running": 1, "finished": 2})
	case worker.AddVersionEndpoint:
		version := r.FormValue(worker.VersionParam)
		w.projects[project] = append(w.projects[project], version)
		w.eggs[project+"/"+version+".egg"] = egg
		w.reply(rw, map[string]any{"status": "ok", "spiders": 1})
	case worker.ScheduleEndpoint:
		w.reply(rw, map[string]any{"status": "ok", "jobid": r.FormValue(worker.JobIDParam)})
	case worker.CancelEndpoint:
		w.reply(rw, map[string]any{"status": "ok", "prevstate": "running"})
	case worker.DelVersionEndpoint, worker.DelProjectEndpoint:
		w.reply(rw, map[string]any{"status": "ok"})
	default:
		http.NotFound(rw, r)
	}
}

func (w *fakeWorker) reply(rw http.ResponseWriter, body map[string]any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(body)
}

func newCaller() *fanout.Client {
	return fanout.New(fanout.WithLogger(log.DiscardLogger))
}

func members(workers ...*fakeWorker) StaticMembers {
	addresses := make(StaticMembers, 0, len(workers))
	for _, w := range workers {
		addresses = append(addresses, w.address())
	}
	return addresses
}
