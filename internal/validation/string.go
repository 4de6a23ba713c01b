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

package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// coordinationPath matches absolute slash separated paths without a
// trailing slash, e.g. /scrapyd-cluster/worker
var coordinationPath = regexp.MustCompile(`^(/[A-Za-z0-9._\-]+)+$`)

type emptyStringValidator struct {
	field string
	value string
}

// NewEmptyStringValidator fails when value is blank
func NewEmptyStringValidator(field, value string) Validator {
	return emptyStringValidator{field: field, value: value}
}

func (v emptyStringValidator) Validate() error {
	if strings.TrimSpace(v.value) == "" {
		return fmt.Errorf("the [%s] is required", v.field)
	}
	return nil
}

type pathValidator struct {
	field string
	path  string
}

// NewPathValidator fails when path is not an absolute coordination path
func NewPathValidator(field, path string) Validator {
	return pathValidator{field: field, path: path}
}

func (v pathValidator) Validate() error {
	if !coordinationPath.MatchString(v.path) {
		return fmt.Errorf("the [%s] must be an absolute path without trailing slash, got %q", v.field, v.path)
	}
	return nil
}

type urlValidator struct {
	field string
	raw   string
}

// NewURLValidator fails when raw is not an absolute http(s) URL with a host
func NewURLValidator(field, raw string) Validator {
	return urlValidator{field: field, raw: raw}
}

func (v urlValidator) Validate() error {
	u, err := url.Parse(v.raw)
	if err != nil {
		return fmt.Errorf("the [%s] is not a valid url: %w", v.field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("the [%s] must be an absolute http(s) url, got %q", v.field, v.raw)
	}
	return nil
}
