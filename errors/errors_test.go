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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerError(t *testing.T) {
	err := NewWorkerError("http://w1:6800/", ErrProtocol, "invalid character '<'")
	require.EqualError(t, err, "worker http://w1:6800/: malformed worker response: invalid character '<'")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrTransport)

	wrapped := fmt.Errorf("listprojects: %w", err)
	var workerErr *WorkerError
	require.True(t, errors.As(wrapped, &workerErr))
	assert.Equal(t, "http://w1:6800/", workerErr.Worker)
}

func TestTimeoutIsTransport(t *testing.T) {
	err := NewWorkerError("http://w2:6800/", ErrTimeout, "context deadline exceeded")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, NewWorkerError("w", ErrTransport, "refused"), ErrTimeout)
}
