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

// Package cluster turns the answers of many workers into one cluster view.
//
// The Aggregator answers read-only cluster queries, the Reconciler keeps the
// deployed project versions in sync and Operations broadcasts job and
// project commands. All of them read the live worker list from a
// MemberSource and talk to workers through a Caller.
package cluster

import (
	"context"

	"github.com/shadowao/scrapyd-cluster/fanout"
)

// MemberSource lists the base URLs of the live workers
type MemberSource interface {
	Addresses() []string
}

// Caller sends requests to workers. *fanout.Client implements it.
type Caller interface {
	Call(ctx context.Context, addresses []string, endpoint, method string, params fanout.Params) fanout.Results
	Fetch(ctx context.Context, address, relPath string) ([]byte, error)
}

// StaticMembers is a fixed worker list
type StaticMembers []string

// Addresses returns the list
func (s StaticMembers) Addresses() []string {
	return s
}

var (
	_ Caller       = (*fanout.Client)(nil)
	_ MemberSource = StaticMembers(nil)
)
