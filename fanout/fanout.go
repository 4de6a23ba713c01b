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

// Package fanout sends one request to many workers at once.
//
// A failing worker never fails the whole call: every address gets its own
// Result, either the decoded answer or a structured failure.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	xhttp "github.com/shadowao/scrapyd-cluster/internal/http"
	"github.com/shadowao/scrapyd-cluster/internal/metric"
	"github.com/shadowao/scrapyd-cluster/log"
	"github.com/shadowao/scrapyd-cluster/worker"
)

const (
	// DefaultTimeout bounds one request to one worker
	DefaultTimeout = 5 * time.Second
	// DefaultConcurrency is the number of requests in flight per call
	DefaultConcurrency = 32

	defaultMaxBodySize = 64 << 20
)

// Params are the request parameters. GET sends Values as the query string.
// POST sends them as a form, multipart when Files is not empty.
type Params struct {
	Values url.Values
	Files  map[string][]byte
}

// Result is the outcome of one request to one worker
type Result struct {
	Status  string
	Body    json.RawMessage
	Message string
	// Err is nil for status ok. Otherwise it is a *errors.WorkerError whose
	// kind is errors.ErrTransport, errors.ErrTimeout, errors.ErrProtocol or
	// errors.ErrWorkerReported.
	Err error
}

// OK reports whether the worker answered status ok
func (r Result) OK() bool {
	return r.Err == nil && r.Status == worker.StatusOK
}

// Decode unmarshals the answer body into v
func (r Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty body", gerrors.ErrProtocol)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %w", gerrors.ErrProtocol, err)
	}
	return nil
}

// Results maps a worker address to its result
type Results map[string]Result

// OK returns the sorted addresses that answered status ok
func (r Results) OK() []string {
	addresses := make([]string, 0, len(r))
	for address, result := range r {
		if result.OK() {
			addresses = append(addresses, address)
		}
	}
	slices.Sort(addresses)
	return addresses
}

// Failed returns the sorted addresses that did not answer status ok
func (r Results) Failed() []string {
	addresses := make([]string, 0, len(r))
	for address, result := range r {
		if !result.OK() {
			addresses = append(addresses, address)
		}
	}
	slices.Sort(addresses)
	return addresses
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithConcurrency sets how many requests of one call run at once
func WithConcurrency(limit int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.concurrency = limit
		}
	}
}

// WithMaxBodySize bounds the size of an answer body
func WithMaxBodySize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetric records every request on the given instruments
func WithMetric(instruments *metric.ClusterMetric) Option {
	return func(c *Client) {
		c.metric = instruments
	}
}

// Client issues worker requests
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	concurrency int
	maxBodySize int64
	logger      log.Logger
	metric      *metric.ClusterMetric
}

// New creates a Client
func New(opts ...Option) *Client {
	c := &Client{
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		maxBodySize: defaultMaxBodySize,
		logger:      log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = xhttp.NewClient(nil, c.concurrency)
	}
	return c
}

// Call sends the same request to every address and returns one result per
// distinct address.
//
// Each request is bounded by the per-request timeout and by ctx. Call
// returns once every address has a result; a request still running when
// ctx ends is reported as a timeout.
func (c *Client) Call(ctx context.Context, addresses []string, endpoint, method string, params Params) Results {
	distinct := goset.NewThreadUnsafeSet(addresses...).ToSlice()
	results := make(Results, len(distinct))
	if len(distinct) == 0 {
		return results
	}

	var mu sync.Mutex
	eg := new(errgroup.Group)
	eg.SetLimit(c.concurrency)
	for _, address := range distinct {
		eg.Go(func() error {
			result := c.Do(ctx, address, endpoint, method, params)
			mu.Lock()
			results[address] = result
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// Do sends one request to one worker
func (c *Client) Do(ctx context.Context, address, endpoint, method string, params Params) Result {
	logger := c.logger.With("worker", address, "endpoint", endpoint)

	body, err := c.exchange(ctx, address, endpoint, method, params)
	result := parse(body, err)
	if result.Err != nil {
		result.Err = gerrors.NewWorkerError(address, result.Err, result.Message)
		logger.Debugf("worker request failed: %v", result.Err)
	}

	c.metric.RecordRequest(ctx, endpoint, failureKind(result.Err))
	return result
}

// Fetch downloads a raw resource relative to the worker base URL
func (c *Client) Fetch(ctx context.Context, address, relPath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := Resolve(address, relPath)
	if err != nil {
		return nil, gerrors.NewWorkerError(address, gerrors.ErrTransport, err.Error())
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, gerrors.NewWorkerError(address, gerrors.ErrTransport, err.Error())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, gerrors.NewWorkerError(address, transportKind(err), err.Error())
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, c.maxBodySize))
		return nil, gerrors.NewWorkerError(address, gerrors.ErrWorkerReported,
			fmt.Sprintf("GET %s: %s", relPath, response.Status))
	}

	payload, err := c.read(response.Body)
	if err != nil {
		return nil, gerrors.NewWorkerError(address, transportKind(err), err.Error())
	}
	return payload, nil
}

// Resolve resolves endpoint against the worker base URL. A base URL without
// a trailing slash is treated as a directory.
func Resolve(address, endpoint string) (string, error) {
	base, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid worker address %q", address)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		if base.RawPath != "" {
			base.RawPath += "/"
		}
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) exchange(ctx context.Context, address, endpoint, method string, params Params) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(ctx, address, endpoint, method, params)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	return c.read(response.Body)
}

func (c *Client) newRequest(ctx context.Context, address, endpoint, method string, params Params) (*http.Request, error) {
	target, err := Resolve(address, endpoint)
	if err != nil {
		return nil, err
	}

	method = strings.ToUpper(method)
	if method != http.MethodPost {
		request, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		if len(params.Values) > 0 {
			query := request.URL.Query()
			for key, values := range params.Values {
				for _, value := range values {
					query.Add(key, value)
				}
			}
			request.URL.RawQuery = query.Encode()
		}
		return request, nil
	}

	if len(params.Files) == 0 {
		request, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(params.Values.Encode()))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return request, nil
	}

	body, contentType, err := multipartBody(params)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", contentType)
	return request, nil
}

func multipartBody(params Params) (io.Reader, string, error) {
	buffer := new(bytes.Buffer)
	writer := multipart.NewWriter(buffer)

	for key, values := range params.Values {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				return nil, "", err
			}
		}
	}

	names := make([]string, 0, len(params.Files))
	for name := range params.Files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		part, err := writer.CreateFormFile(name, name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(params.Files[name]); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buffer, writer.FormDataContentType(), nil
}

func (c *Client) read(body io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(body, c.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > c.maxBodySize {
		return nil, fmt.Errorf("body larger than %d bytes", c.maxBodySize)
	}
	return payload, nil
}

// parse turns an exchange into a Result. Result.Err holds the bare kind.
func parse(body []byte, err error) Result {
	if err != nil {
		return Result{Status: worker.StatusError, Message: err.Error(), Err: transportKind(err)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		message := "response is not a JSON object"
		if err != nil {
			message = err.Error()
		}
		return Result{Status: worker.StatusError, Message: message, Err: gerrors.ErrProtocol}
	}

	var header worker.Response
	if err := json.Unmarshal(body, &header); err != nil || header.Status == "" {
		return Result{Status: worker.StatusError, Body: body, Message: "response has no status", Err: gerrors.ErrProtocol}
	}

	if !header.OK() {
		message := header.Message
		if message == "" {
			message = fmt.Sprintf("status %q", header.Status)
		}
		return Result{Status: header.Status, Body: body, Message: message, Err: gerrors.ErrWorkerReported}
	}

	return Result{Status: header.Status, Body: body}
}

func transportKind(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return gerrors.ErrTimeout
	}
	return gerrors.ErrTransport
}

func failureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gerrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, gerrors.ErrTransport):
		return "transport"
	case errors.Is(err, gerrors.ErrProtocol):
		return "protocol"
	default:
		return "worker"
	}
}
