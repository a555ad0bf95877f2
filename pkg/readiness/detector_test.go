package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(d *Detector, chunks ...string) (string, bool) {
	for _, c := range chunks {
		if url, ok := d.Feed([]byte(c)); ok {
			return url, true
		}
	}
	return "", false
}

func TestDetector_LineSplitAcrossChunks(t *testing.T) {
	var d Detector
	url, ok := d.Feed([]byte("Local: http://localhost:51"))
	assert.False(t, ok, "partial line must not match")
	assert.Empty(t, url)

	url, ok = d.Feed([]byte("73/\n"))
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:5173", url)
}

func TestDetector_NormalizesAllInterfaces(t *testing.T) {
	var d Detector
	url, ok := feedAll(&d, "  VITE v4.5.0  ready in 312 ms\n", "  Network: http://0.0.0.0:5173\n")
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:5173", url)
}

func TestDetector_ViteColoredOutput(t *testing.T) {
	var d Detector
	line := "  \x1b[32m➜\x1b[39m  \x1b[1mLocal\x1b[22m:   \x1b[36mhttp://localhost:\x1b[1m5173\x1b[22m/\x1b[39m\r\n"
	url, ok := feedAll(&d, line)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:5173", url)
}

func TestDetector_MatchesOnlyOnce(t *testing.T) {
	var d Detector
	url, ok := feedAll(&d, "Local: http://localhost:5173/\n")
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:5173", url)

	_, ok = feedAll(&d, "Local: http://localhost:9999/\n")
	assert.False(t, ok)
	got, matched := d.URL()
	assert.True(t, matched)
	assert.Equal(t, "http://localhost:5173", got)
}

func TestDetector_IgnoresOtherHosts(t *testing.T) {
	var d Detector
	_, ok := feedAll(&d, "Network: http://172.17.0.2:5173/\n", "Local: https://localhost:5173\n", "local: http://localhost:1\n")
	assert.False(t, ok)
}

func TestDetector_FlushUnterminatedLine(t *testing.T) {
	var d Detector
	_, ok := d.Feed([]byte("Local:   http://127.0.0.1:3000"))
	assert.False(t, ok)

	url, ok := d.Flush()
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:3000", url)
}

func TestDetector_ManyLinesInOneChunk(t *testing.T) {
	var d Detector
	url, ok := feedAll(&d, "> dev\n> vite --port 5173 --host\n\n  Local:   http://localhost:5173/\n  Network: http://0.0.0.0:5173/\n")
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:5173", url)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "http://localhost:80", Normalize("http://0.0.0.0:80"))
	assert.Equal(t, "http://localhost:80", Normalize("http://127.0.0.1:80"))
	assert.Equal(t, "http://localhost:80", Normalize("http://localhost:80"))
}
