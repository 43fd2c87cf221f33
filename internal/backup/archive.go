package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// defaultRollSize is the accumulated entry size after which the archive
// rolls to a new file.
const defaultRollSize = 64 * 1024 * 1024

// archiveWriter appends entries to a gzip-compressed tar stream, rolling to
// a new file once the accumulated entry size passes the threshold. The
// onRoll hook runs after every sealed file so the caller can persist the
// manifest and keep a crash from losing more than the in-progress chunk.
type archiveWriter struct {
	storage  driven.BackupStorage
	name     func(n int) string
	rollSize int64
	onRoll   func(files []string) error

	n       int
	files   []string
	written int64
	file    io.WriteCloser
	gz      *gzip.Writer
	tw      *tar.Writer
}

func newArchiveWriter(storage driven.BackupStorage, name func(n int) string, rollSize int64, onRoll func(files []string) error) *archiveWriter {
	if rollSize <= 0 {
		rollSize = defaultRollSize
	}
	return &archiveWriter{storage: storage, name: name, rollSize: rollSize, onRoll: onRoll}
}

func (w *archiveWriter) open() error {
	fileName := w.name(w.n)
	file, err := w.storage.Write(fileName)
	if err != nil {
		return err
	}
	w.file = file
	w.gz = gzip.NewWriter(file)
	w.tw = tar.NewWriter(w.gz)
	w.files = append(w.files, fileName)
	w.written = 0
	return nil
}

// Append writes the given entries into the same file, then rolls if the
// size threshold is passed. Entries for one document go in together so a
// blob's binary payload is never split from its JSON entry.
func (w *archiveWriter) Append(entries ...archiveEntry) error {
	if w.tw == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.Name,
			Mode:    0o644,
			Size:    int64(len(e.Payload)),
			ModTime: time.Now(),
		}
		if err := w.tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := w.tw.Write(e.Payload); err != nil {
			return err
		}
		w.written += int64(len(e.Payload))
	}
	if w.written >= w.rollSize {
		return w.roll()
	}
	return nil
}

func (w *archiveWriter) roll() error {
	if err := w.seal(); err != nil {
		return err
	}
	w.n++
	if w.onRoll != nil {
		if err := w.onRoll(w.files); err != nil {
			return err
		}
	}
	return nil
}

func (w *archiveWriter) seal() error {
	if w.tw == nil {
		return nil
	}
	if err := w.tw.Close(); err != nil {
		return err
	}
	if err := w.gz.Close(); err != nil {
		return err
	}
	err := w.file.Close()
	w.tw, w.gz, w.file = nil, nil, nil
	return err
}

// Close seals the in-progress file, if any, and returns the full file list.
func (w *archiveWriter) Close() ([]string, error) {
	if err := w.seal(); err != nil {
		return nil, err
	}
	return w.files, nil
}

// archiveEntry is one extracted entry during restore and compaction.
type archiveEntry struct {
	Name    string
	Payload []byte
}

// walkArchive streams entries of one archive file to fn. Returning
// io.EOF from fn stops the walk early without error.
func walkArchive(storage driven.BackupStorage, name string, fn func(e *archiveEntry) error) error {
	r, err := storage.Load(name)
	if err != nil {
		return err
	}
	defer r.Close()
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("archive %s entry %s: %w", name, hdr.Name, err)
		}
		if err := fn(&archiveEntry{Name: hdr.Name, Payload: payload}); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
