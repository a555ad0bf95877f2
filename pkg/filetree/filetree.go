// Package filetree turns a generated-code payload into an in-memory project
// tree that can be mounted into a sandbox.
package filetree

import (
	"fmt"
	"sort"
	"strings"
)

// Generated is the payload produced by the code generation service.
type Generated struct {
	// Title is a human readable project title. Optional.
	Title string `json:"title,omitempty"`
	// EntryCode is the source of the entry module (src/main.tsx).
	EntryCode string `json:"code"`
	// Files maps slash-separated relative paths to file contents.
	Files map[string]string `json:"files,omitempty"`
}

// Kind tags a Node as a file or a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Node is either a file holding Contents or a directory holding Children.
type Node struct {
	Kind     Kind
	Contents string
	Children map[string]*Node
}

// NewFile returns a file node.
func NewFile(contents string) *Node {
	return &Node{Kind: KindFile, Contents: contents}
}

// NewDirectory returns an empty directory node.
func NewDirectory() *Node {
	return &Node{Kind: KindDirectory, Children: make(map[string]*Node)}
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// PathConflictError is returned when a path is claimed as both a file and a directory.
type PathConflictError struct {
	// Path is the full path being inserted.
	Path string
	// At is the prefix of Path that is already occupied by the other kind.
	At string
	// Existing is the kind already occupying At.
	Existing Kind
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("path conflict: %q is already a %s (inserting %q)", e.At, e.Existing, e.Path)
}

// InvalidPathError is returned for empty paths, empty segments and dot segments.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// Split validates a slash-separated relative path and returns its segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, &InvalidPathError{Path: path, Reason: "empty path"}
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		switch p {
		case "":
			return nil, &InvalidPathError{Path: path, Reason: "empty segment"}
		case ".", "..":
			return nil, &InvalidPathError{Path: path, Reason: "relative segment " + p}
		}
	}
	return parts, nil
}

// Insert places a file at path below root, creating intermediate directories.
// An existing file at exactly path is replaced.
func Insert(root *Node, path, contents string) error {
	if !root.IsDir() {
		return fmt.Errorf("insert %q: root is not a directory", path)
	}
	parts, err := Split(path)
	if err != nil {
		return err
	}

	cur := root
	for i, part := range parts[:len(parts)-1] {
		child, ok := cur.Children[part]
		if !ok {
			child = NewDirectory()
			cur.Children[part] = child
		} else if !child.IsDir() {
			return &PathConflictError{Path: path, At: strings.Join(parts[:i+1], "/"), Existing: KindFile}
		}
		cur = child
	}

	leaf := parts[len(parts)-1]
	if existing, ok := cur.Children[leaf]; ok && existing.IsDir() {
		return &PathConflictError{Path: path, At: path, Existing: KindDirectory}
	}
	cur.Children[leaf] = NewFile(contents)
	return nil
}

// Build returns the project tree for g: the scaffold plus every supplied file.
// Supplied files are applied in sorted order and may replace scaffold files.
func Build(g Generated) (*Node, error) {
	root := NewDirectory()
	for _, f := range scaffold(g) {
		if err := Insert(root, f.path, f.contents); err != nil {
			return nil, fmt.Errorf("scaffold: %w", err)
		}
	}

	paths := make([]string, 0, len(g.Files))
	for p := range g.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := Insert(root, p, g.Files[p]); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Lookup returns the node at path, or nil if there is none.
func (n *Node) Lookup(path string) *Node {
	parts, err := Split(path)
	if err != nil {
		return nil
	}
	cur := n
	for _, part := range parts {
		if !cur.IsDir() {
			return nil
		}
		next, ok := cur.Children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// WalkFunc is called for every node below the root with its slash path.
type WalkFunc func(path string, n *Node) error

// Walk visits every node below n depth-first in lexical order.
// Directories are visited before their children.
func (n *Node) Walk(fn WalkFunc) error {
	return walk("", n, fn)
}

func walk(prefix string, n *Node, fn WalkFunc) error {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := n.Children[name]
		p := name
		if prefix != "" {
			p = prefix + "/" + name
		}
		if err := fn(p, child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := walk(p, child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Files returns a flat path → contents view of every file below n.
func (n *Node) Files() map[string]string {
	out := make(map[string]string)
	n.Walk(func(path string, node *Node) error {
		if !node.IsDir() {
			out[path] = node.Contents
		}
		return nil
	})
	return out
}
