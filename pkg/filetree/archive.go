package filetree

import (
	"archive/tar"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ArchiveOptions controls the ownership and timestamps written to an archive.
type ArchiveOptions struct {
	UID     int
	GID     int
	ModTime time.Time
}

// WriteArchive writes the tree below root to w as a gzip-compressed tar stream.
// Entries are relative paths; extracting the archive over an existing directory
// overwrites matching files and leaves everything else in place.
func WriteArchive(w io.Writer, root *Node, opts ArchiveOptions) error {
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Now()
	}

	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	err := root.Walk(func(path string, n *Node) error {
		hdr := &tar.Header{
			Name:    path,
			Uid:     opts.UID,
			Gid:     opts.GID,
			ModTime: opts.ModTime,
			Format:  tar.FormatPAX,
		}
		if n.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = 0o755
			return tw.WriteHeader(hdr)
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0o644
		hdr.Size = int64(len(n.Contents))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := io.WriteString(tw, n.Contents)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing tar entries: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}
