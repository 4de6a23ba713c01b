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

// Package membership mirrors the set of registered workers.
//
// A Watcher subscribes to the children of the registration path and to the
// payload of every child. All notifications are funneled into one queue
// consumed by a single updater goroutine, which owns the tracked id set and
// is the only writer of the snapshot.
package membership

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/flowchartsman/retry"

	"github.com/shadowao/scrapyd-cluster/coordination"
	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/internal/metric"
	"github.com/shadowao/scrapyd-cluster/internal/validation"
	"github.com/shadowao/scrapyd-cluster/internal/xsync"
	"github.com/shadowao/scrapyd-cluster/log"
)

const (
	defaultEventBuffer     = 64
	defaultWatchRetries    = 5
	defaultWatchRetryDelay = 2 * time.Second
	queueSize              = 64
)

// EventType is the kind of a membership change
type EventType int

const (
	// Added is emitted when a new entry id shows up. Its payload is unknown.
	Added EventType = iota
	// Removed is emitted when an entry id goes away
	Removed
	// Changed is emitted when the payload of an entry is read or updated
	Changed
)

// String returns the event type name
func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event describes one membership change
type Event struct {
	Type    EventType
	ID      string
	Payload []byte
}

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithEventBuffer sets the capacity of the Events channel
func WithEventBuffer(size int) Option {
	return func(w *Watcher) {
		if size > 0 {
			w.eventBuffer = size
		}
	}
}

// WithWatchRetries bounds one round of attempts to read the payload of an
// entry. Rounds repeat until the entry is read or untracked.
func WithWatchRetries(retries int, maxDelay time.Duration) Option {
	return func(w *Watcher) {
		if retries > 0 {
			w.watchRetries = retries
		}
		if maxDelay > 0 {
			w.watchRetryDelay = maxDelay
		}
	}
}

// WithMetric records membership events on the given instruments
func WithMetric(instruments *metric.ClusterMetric) Option {
	return func(w *Watcher) {
		w.metric = instruments
	}
}

type updateKind int

const (
	childrenUpdate updateKind = iota
	dataUpdate
)

// update is the single message type consumed by the updater
type update struct {
	kind     updateKind
	children []string
	id       string
	token    uint64
	data     coordination.DataEvent
}

// entryWatch is the data subscription of one tracked id
type entryWatch struct {
	token  uint64
	cancel context.CancelFunc
	// set when the subscription replaces one that reported a deletion
	rearmed bool
}

// Watcher keeps a local mirror of the registered entries, keyed by id
type Watcher struct {
	client      coordination.Client
	path        string
	logger      log.Logger
	metric      *metric.ClusterMetric
	eventBuffer int

	watchRetries    int
	watchRetryDelay time.Duration

	snapshot *xsync.Map[string, []byte]
	events   chan Event
	queue    chan update

	// owned by the updater goroutine
	tracked goset.Set[string]
	latest  goset.Set[string]
	watches map[string]entryWatch
	tokens  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Watch starts mirroring the children of path
func Watch(ctx context.Context, client coordination.Client, path string, opts ...Option) (*Watcher, error) {
	err := validation.New(validation.FailFast()).
		AddAssertion(client != nil, "coordination client is required").
		AddValidator(validation.NewPathValidator("path", path)).
		Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gerrors.ErrInvalidConfig, err)
	}

	w := &Watcher{
		client:          client,
		path:            coordination.Join(path),
		logger:          log.DefaultLogger,
		eventBuffer:     defaultEventBuffer,
		watchRetries:    defaultWatchRetries,
		watchRetryDelay: defaultWatchRetryDelay,
		snapshot:        xsync.NewMap[string, []byte](),
		queue:           make(chan update, queueSize),
		tracked:         goset.NewThreadUnsafeSet[string](),
		latest:          goset.NewThreadUnsafeSet[string](),
		watches:         make(map[string]entryWatch),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.logger = w.logger.With("path", w.path)
	w.events = make(chan Event, w.eventBuffer)
	w.ctx, w.cancel = context.WithCancel(ctx)

	children, err := client.WatchChildren(w.ctx, w.path)
	if err != nil {
		w.cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.wg.Add(2)
	go w.forwardChildren(children)
	go w.run()
	return w, nil
}

// Snapshot returns a copy of the mirror. A nil payload means the payload
// of that entry has not been read yet.
func (w *Watcher) Snapshot() map[string][]byte {
	return w.snapshot.Snapshot()
}

// Events returns the change notifications. The channel is closed by Stop.
// Events are dropped when the channel is full.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Addresses returns the sorted, distinct worker base URLs found in the
// snapshot. Unknown or malformed payloads are skipped.
func (w *Watcher) Addresses() []string {
	addresses := goset.NewThreadUnsafeSet[string]()
	for id, payload := range w.snapshot.Snapshot() {
		if len(payload) == 0 {
			continue
		}
		address := string(payload)
		if err := validation.NewURLValidator(id, address).Validate(); err != nil {
			w.logger.Debugf("skipping entry %s: %v", id, err)
			continue
		}
		addresses.Add(address)
	}
	sorted := addresses.ToSlice()
	slices.Sort(sorted)
	return sorted
}

// Stop cancels every subscription and waits for the updater to exit
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
		close(w.events)
	})
}

func (w *Watcher) forwardChildren(children <-chan []string) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case names, ok := <-children:
			if !ok {
				if w.ctx.Err() == nil {
					w.logger.Errorf("children watch of %s ended", w.path)
				}
				return
			}
			if !w.enqueue(update{kind: childrenUpdate, children: names}) {
				return
			}
		}
	}
}

// subscribe opens the data watch of id, retrying until it succeeds or ctx
// is canceled, then forwards its events
func (w *Watcher) subscribe(ctx context.Context, id string, token uint64) {
	defer w.wg.Done()

	path := coordination.Join(w.path, id)
	retrier := retry.NewRetrier(w.watchRetries, 100*time.Millisecond, w.watchRetryDelay)

	var data <-chan coordination.DataEvent
	for data == nil {
		err := retrier.RunContext(ctx, func(context.Context) error {
			events, err := w.client.WatchData(ctx, path)
			if err != nil {
				w.logger.Warnf("failed to watch entry %s: %v", id, err)
				return err
			}
			data = events
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Errorf("payload of entry %s still unknown after %d attempts", id, w.watchRetries)
		}
	}

	w.forwardData(ctx, id, token, data)
}

func (w *Watcher) forwardData(ctx context.Context, id string, token uint64, data <-chan coordination.DataEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-data:
			if !ok {
				return
			}
			if !w.enqueue(update{kind: dataUpdate, id: id, token: token, data: event}) {
				return
			}
			if event.Deleted {
				return
			}
		}
	}
}

func (w *Watcher) enqueue(u update) bool {
	select {
	case w.queue <- u:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// run is the updater loop
func (w *Watcher) run() {
	defer w.wg.Done()
	defer func() {
		for _, watch := range w.watches {
			watch.cancel()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case u := <-w.queue:
			switch u.kind {
			case childrenUpdate:
				w.applyChildren(u.children)
			case dataUpdate:
				w.applyData(u.id, u.token, u.data)
			}
		}
	}
}

func (w *Watcher) applyChildren(children []string) {
	current := goset.NewThreadUnsafeSet(children...)
	w.latest = current

	removed := w.tracked.Difference(current).ToSlice()
	slices.Sort(removed)
	for _, id := range removed {
		w.untrack(id)
	}

	added := current.Difference(w.tracked).ToSlice()
	slices.Sort(added)
	for _, id := range added {
		w.track(id)
	}
}

func (w *Watcher) applyData(id string, token uint64, event coordination.DataEvent) {
	watch, ok := w.watches[id]
	if !ok || watch.token != token {
		// stale notification of an entry no longer tracked, or of a
		// previous incarnation of it
		return
	}

	if event.Deleted {
		// a listed entry may have been deleted and created again between
		// two children notifications: read it once more before dropping it
		if w.latest.Contains(id) && !watch.rearmed {
			w.logger.Debugf("entry %s deleted while still listed, watching it again", id)
			watch.cancel()
			if payload, _ := w.snapshot.Get(id); payload != nil {
				w.snapshot.Set(id, nil)
				w.publish(Event{Type: Changed, ID: id})
			}
			w.arm(id, true)
			return
		}
		w.logger.Debugf("entry %s deleted", id)
		w.untrack(id)
		return
	}

	if watch.rearmed {
		watch.rearmed = false
		w.watches[id] = watch
	}

	payload := slices.Clone(event.Payload)
	w.snapshot.Set(id, payload)
	w.publish(Event{Type: Changed, ID: id, Payload: payload})
}

func (w *Watcher) track(id string) {
	w.tracked.Add(id)
	w.snapshot.Set(id, nil)
	w.publish(Event{Type: Added, ID: id})
	w.arm(id, false)
}

// arm replaces the data subscription of id
func (w *Watcher) arm(id string, rearmed bool) {
	w.tokens++
	token := w.tokens
	ctx, cancel := context.WithCancel(w.ctx)
	w.watches[id] = entryWatch{token: token, cancel: cancel, rearmed: rearmed}

	w.wg.Add(1)
	go w.subscribe(ctx, id, token)
}

func (w *Watcher) untrack(id string) {
	if !w.tracked.Contains(id) {
		return
	}
	w.tracked.Remove(id)
	if watch, ok := w.watches[id]; ok {
		watch.cancel()
		delete(w.watches, id)
	}
	w.snapshot.Delete(id)
	w.publish(Event{Type: Removed, ID: id})
}

func (w *Watcher) publish(event Event) {
	delta := int64(0)
	switch event.Type {
	case Added:
		delta = 1
	case Removed:
		delta = -1
	}
	w.metric.RecordMembership(w.ctx, event.Type.String(), delta)

	select {
	case w.events <- event:
	default:
		w.logger.Warnf("membership event %s for %s dropped, events channel is full", event.Type, event.ID)
	}
}
