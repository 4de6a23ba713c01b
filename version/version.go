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

// Package version orders project version identifiers the way workers
// report them: dotted releases compared segment by segment, with numeric
// segments compared as numbers so that "1.10" sorts after "1.9".
package version

import (
	"math/big"
	"slices"
	"strings"
	"unicode"
)

type component struct {
	numeric bool
	number  *big.Int
	text    string
}

// parse splits a version into runs of ASCII digits and runs of letters.
// Any other rune separates components.
func parse(v string) []component {
	var (
		components []component
		current    strings.Builder
		digits     bool
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		text := current.String()
		current.Reset()
		if digits {
			if n, ok := new(big.Int).SetString(text, 10); ok {
				components = append(components, component{numeric: true, number: n, text: text})
				return
			}
		}
		components = append(components, component{text: text})
	}

	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			if !digits {
				flush()
			}
			digits = true
			current.WriteRune(r)
		// non-ASCII digits are compared as text
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if digits {
				flush()
			}
			digits = false
			current.WriteRune(r)
		default:
			flush()
			digits = false
		}
	}
	flush()
	return components
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b.
//
// Numeric components compare numerically and alphabetic components
// lexically. A numeric component sorts before an alphabetic one at the same
// position. When one version is a prefix of the other the shorter one sorts
// first.
func Compare(a, b string) int {
	left, right := parse(a), parse(b)
	for i := 0; i < len(left) && i < len(right); i++ {
		if c := compareComponent(left[i], right[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(left) < len(right):
		return -1
	case len(left) > len(right):
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func compareComponent(x, y component) int {
	switch {
	case x.numeric && y.numeric:
		return x.number.Cmp(y.number)
	case x.numeric:
		return -1
	case y.numeric:
		return 1
	default:
		return strings.Compare(x.text, y.text)
	}
}

// Less reports whether a sorts strictly before b
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Sort orders versions in place, oldest first
func Sort(versions []string) {
	slices.SortStableFunc(versions, Compare)
}

// Max returns the newest version. The boolean is false when versions is empty.
func Max(versions ...string) (string, bool) {
	if len(versions) == 0 {
		return "", false
	}
	return slices.MaxFunc(versions, Compare), true
}
