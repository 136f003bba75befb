// Package archive bundles invoice files into the ZIP archive sent in a batch transfer.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ErrNoFiles is returned when the patterns match no regular file.
var ErrNoFiles = errors.New("no invoice files matched the provided patterns")

// Collector expands path patterns into the list of files to archive.
type Collector struct {
	logger log.Logger
}

// NewCollector ...
func NewCollector(logger log.Logger) Collector {
	return Collector{logger: logger}
}

// Collect returns the absolute paths of the regular files under root matching any of the patterns,
// sorted and without duplicates. Patterns use doublestar syntax relative to root; a pattern
// without wildcards names a single file.
func (c Collector) Collect(root string, patterns []string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}

	var candidates []string
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(strings.TrimPrefix(pattern, "./"))
		if !strings.ContainsAny(pattern, "*?[{") {
			candidates = append(candidates, pattern)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(absRoot), pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}
		if len(matches) == 0 {
			c.logger.Warnf("No match for pattern: %s", pattern)
			continue
		}
		candidates = append(candidates, matches...)
	}

	seen := map[string]bool{}
	var files []string
	for _, candidate := range candidates {
		path := filepath.Join(absRoot, filepath.FromSlash(candidate))
		if seen[path] {
			continue
		}
		seen[path] = true

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				c.logger.Warnf("Invoice file doesn't exist: %s", candidate)
				continue
			}
			return nil, fmt.Errorf("check invoice file: %w", err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}

	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	sort.Strings(files)
	return files, nil
}

// Build writes the files into a deflate-compressed ZIP archive. Entries are named by base name,
// so two files with the same base name are rejected.
func Build(files []string) ([]byte, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	names := map[string]string{}
	for _, path := range files {
		name := filepath.Base(path)
		if previous, ok := names[name]; ok {
			return nil, fmt.Errorf("duplicate entry name %s: %s and %s", name, previous, path)
		}
		names[name] = path

		if err := addFile(w, path, name); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(w *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("create header for %s: %w", path, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := w.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(entry, file); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return nil
}

// Entry is a file read back from an archive.
type Entry struct {
	Name string
	Data []byte
}

// Extract returns the entries of a ZIP archive in archive order.
func Extract(data []byte) ([]Entry, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, closeErr)
		}
		entries = append(entries, Entry{Name: f.Name, Data: content})
	}
	return entries, nil
}
