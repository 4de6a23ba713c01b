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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
)

func TestAdvertised(t *testing.T) {
	address, err := (&config{Address: "http://worker-1:6800/"}).advertised()
	require.NoError(t, err)
	assert.Equal(t, "http://worker-1:6800/", address)

	address, err = (&config{Host: "worker-2", Port: 6801}).advertised()
	require.NoError(t, err)
	assert.Equal(t, "http://worker-2:6801/", address)

	address, err = (&config{Host: "worker-3", Port: 443, TLS: true}).advertised()
	require.NoError(t, err)
	assert.Equal(t, "https://worker-3:443/", address)

	address, err = (&config{Port: 6800}).advertised()
	require.NoError(t, err)
	assert.Contains(t, address, ":6800/")

	_, err = (&config{Address: "worker-4:6800"}).advertised()
	require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
}
