package filetree

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_Scaffold(t *testing.T) {
	root, err := Build(Generated{Title: "Todo List!", EntryCode: "console.log('hi')"})
	require.NoError(t, err)

	for _, p := range []string{"package.json", "vite.config.js", "index.html", EntryPath} {
		n := root.Lookup(p)
		require.NotNil(t, n, "missing %s", p)
		assert.False(t, n.IsDir(), "%s should be a file", p)
	}
	assert.True(t, root.Lookup("src").IsDir())
	assert.Equal(t, "console.log('hi')", root.Lookup(EntryPath).Contents)

	var m manifest
	require.NoError(t, json.Unmarshal([]byte(root.Lookup("package.json").Contents), &m))
	assert.Equal(t, "todo-list", m.Name)
	assert.Equal(t, "vite --port 5173 --host", m.Scripts["dev"])
	assert.Contains(t, m.Scripts, "build")
	assert.Contains(t, m.Scripts, "preview")
	assert.Equal(t, "^18.2.0", m.Dependencies["react"])

	vite := root.Lookup("vite.config.js").Contents
	assert.Contains(t, vite, "strictPort: true")
	assert.Contains(t, vite, "host: true")
	assert.Contains(t, vite, "port: 5173")

	index := root.Lookup("index.html").Contents
	assert.Contains(t, index, `src="/src/main.tsx"`)
	assert.Contains(t, index, "<title>Todo List!</title>")
}

func TestBuild_FilesReachable(t *testing.T) {
	files := map[string]string{
		"src/components/Foo.tsx":     "foo",
		"src/components/Bar.tsx":     "bar",
		"src/lib/deep/nested/util.ts": "util",
		"README.md":                   "readme",
	}
	root, err := Build(Generated{EntryCode: "main", Files: files})
	require.NoError(t, err)

	got := root.Files()
	for p, want := range files {
		assert.Equal(t, want, got[p], "contents of %s", p)
	}
	for _, dir := range []string{"src", "src/components", "src/lib", "src/lib/deep", "src/lib/deep/nested"} {
		n := root.Lookup(dir)
		require.NotNil(t, n, "missing dir %s", dir)
		assert.True(t, n.IsDir(), "%s should be a directory", dir)
	}
}

func TestBuild_FileThenDirectoryConflict(t *testing.T) {
	_, err := Build(Generated{Files: map[string]string{
		"a":   "file",
		"a/b": "nested",
	}})
	var conflict *PathConflictError
	require.True(t, errors.As(err, &conflict), "expected PathConflictError, got %v", err)
	assert.Equal(t, "a", conflict.At)
	assert.Equal(t, KindFile, conflict.Existing)
}

func TestInsert_DirectoryThenFileConflict(t *testing.T) {
	root := NewDirectory()
	require.NoError(t, Insert(root, "a/b", "nested"))

	err := Insert(root, "a", "file")
	var conflict *PathConflictError
	require.True(t, errors.As(err, &conflict), "expected PathConflictError, got %v", err)
	assert.Equal(t, KindDirectory, conflict.Existing)
	// The directory is left untouched.
	assert.Equal(t, "nested", root.Lookup("a/b").Contents)
}

func TestInsert_LastWriteWins(t *testing.T) {
	root := NewDirectory()
	require.NoError(t, Insert(root, "src/x.ts", "one"))
	require.NoError(t, Insert(root, "src/x.ts", "two"))
	assert.Equal(t, "two", root.Lookup("src/x.ts").Contents)
}

func TestBuild_OverridesScaffold(t *testing.T) {
	root, err := Build(Generated{EntryCode: "entry", Files: map[string]string{"index.html": "custom"}})
	require.NoError(t, err)
	assert.Equal(t, "custom", root.Lookup("index.html").Contents)
}

func TestSplit_Invalid(t *testing.T) {
	for _, p := range []string{"", "/abs", "a//b", "a/", "./a", "a/../b"} {
		_, err := Split(p)
		var invalid *InvalidPathError
		assert.True(t, errors.As(err, &invalid), "Split(%q) = %v, want InvalidPathError", p, err)
	}
}

func TestPackageName(t *testing.T) {
	cases := map[string]string{
		"":                  "web-app",
		"   ":               "web-app",
		"My Cool App":       "my-cool-app",
		"Über -- Dashboard": "ber-dashboard",
		"***":               "web-app",
	}
	for in, want := range cases {
		assert.Equal(t, want, PackageName(in), "PackageName(%q)", in)
	}
}

func TestWriteArchive(t *testing.T) {
	root, err := Build(Generated{EntryCode: "entry", Files: map[string]string{"src/a/b.ts": "bee"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, root, ArchiveOptions{UID: 1000, GID: 1000}))

	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	got := make(map[string]string)
	var dirs []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 1000, hdr.Uid)
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr.Name)
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[hdr.Name] = string(data)
	}

	assert.Equal(t, root.Files(), got)
	assert.Equal(t, []string{"src/", "src/a/"}, dirs)
	assert.True(t, strings.HasPrefix(got["package.json"], "{"))
}
