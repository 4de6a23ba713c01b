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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned when a worker cannot be reached: dial, TLS or
	// read failures and per-call timeouts.
	ErrTransport = errors.New("worker transport failure")

	// ErrTimeout marks a transport failure caused by a per-call or overall
	// deadline. It always unwraps to ErrTransport as well.
	ErrTimeout = fmt.Errorf("%w: deadline exceeded", ErrTransport)

	// ErrProtocol is returned when a worker answers with a body that is not a
	// JSON object carrying a status field.
	ErrProtocol = errors.New("malformed worker response")

	// ErrWorkerReported is returned when a worker answers with status != ok.
	ErrWorkerReported = errors.New("worker reported an error")

	// ErrUnknownWorker is returned for a requested host that is not a live
	// cluster member. No request is sent to it.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrSessionLost indicates the coordination session was dropped and the
	// ephemeral entries it owned are gone.
	ErrSessionLost = errors.New("coordination session lost")

	// ErrSessionClosed indicates the coordination client has been closed and
	// no further recovery is possible.
	ErrSessionClosed = errors.New("coordination session closed")

	// ErrNoQuorum is reported by reconciliation when no worker answered ok
	// for the project.
	ErrNoQuorum = errors.New("no worker reported the project")

	// ErrNodeExists is returned by the coordination space when creating an
	// entry that already exists.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoNode is returned by the coordination space for a missing entry.
	ErrNoNode = errors.New("node does not exist")

	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotStarted is returned when using a component before it started.
	ErrNotStarted = errors.New("not started")

	// ErrAlreadyStarted is returned when starting a component twice.
	ErrAlreadyStarted = errors.New("already started")

	// ErrArtifactUnavailable is returned when the packaged project could not
	// be fetched from any up-to-date worker.
	ErrArtifactUnavailable = errors.New("project artifact unavailable")
)

// WorkerError describes the failure of one worker during a fanout.
// Kind is one of ErrTransport, ErrTimeout, ErrProtocol, ErrWorkerReported or
// ErrUnknownWorker.
type WorkerError struct {
	Worker  string
	Kind    error
	Message string
}

var _ error = (*WorkerError)(nil)

// NewWorkerError creates a WorkerError
func NewWorkerError(worker string, kind error, message string) *WorkerError {
	return &WorkerError{Worker: worker, Kind: kind, Message: message}
}

// Error implements the standard error interface
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v: %s", e.Worker, e.Kind, e.Message)
}

// Unwrap returns the failure kind
func (e *WorkerError) Unwrap() error {
	return e.Kind
}
