// Package readiness infers that a dev server is reachable by watching its
// console output for the line announcing its local URL.
package readiness

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// URLPattern matches the address line printed by the dev server, e.g.
// "  ➜  Local:   http://localhost:5173/".
var URLPattern = regexp.MustCompile(`(?:Local|Network):\s*(http://(?:localhost|0\.0\.0\.0|127\.0\.0\.1):\d+)`)

// maxPending caps how much of an unterminated line is buffered.
const maxPending = 64 * 1024

// Detector scans output chunks line by line. A line split across chunks is
// reassembled before matching. Only the first match counts.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	pending strings.Builder
	url     string
	matched bool
}

// Feed consumes one chunk. It returns the URL the first time a matching line
// is completed; later calls return ok == false.
func (d *Detector) Feed(chunk []byte) (url string, ok bool) {
	if d.matched {
		return "", false
	}
	data := string(chunk)
	for {
		i := strings.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		d.pending.WriteString(data[:i])
		data = data[i+1:]
		if url, ok := d.line(); ok {
			return url, true
		}
	}
	d.pending.WriteString(data)
	if d.pending.Len() > maxPending {
		// Keep the tail; a URL line is short.
		tail := d.pending.String()
		tail = tail[len(tail)-maxPending/2:]
		d.pending.Reset()
		d.pending.WriteString(tail)
	}
	return "", false
}

// Flush matches whatever unterminated line is still buffered. Call it when the
// stream ends.
func (d *Detector) Flush() (url string, ok bool) {
	if d.matched {
		return "", false
	}
	return d.line()
}

// URL returns the matched URL, if any.
func (d *Detector) URL() (string, bool) {
	return d.url, d.matched
}

func (d *Detector) line() (string, bool) {
	line := d.pending.String()
	d.pending.Reset()
	if line == "" {
		return "", false
	}
	url, ok := Match(line)
	if ok {
		d.url = url
		d.matched = true
	}
	return url, ok
}

// Match looks for the URL announcement in a single line and returns the
// normalized URL.
func Match(line string) (string, bool) {
	m := URLPattern.FindStringSubmatch(ansi.Strip(line))
	if m == nil {
		return "", false
	}
	return Normalize(m[1]), true
}

// Normalize rewrites the all-interfaces and loopback IP forms to localhost so
// the URL is usable from outside the sandbox network namespace.
func Normalize(url string) string {
	url = strings.Replace(url, "://0.0.0.0:", "://localhost:", 1)
	return strings.Replace(url, "://127.0.0.1:", "://localhost:", 1)
}
