package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-einvoice/transfer/chunk"
)

// Payload provides the body of a part upload.
// Open may be called more than once; every call returns an independent reader positioned at the start.
type Payload interface {
	Size() int64
	Open() (io.ReadSeekCloser, error)
}

// BytesPayload is an in-memory payload.
type BytesPayload []byte

// Size ...
func (p BytesPayload) Size() int64 {
	return int64(len(p))
}

// Open ...
func (p BytesPayload) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(p)}, nil
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }

// FilePayload streams a byte range of a file without reading it into memory.
type FilePayload struct {
	Path   string
	Offset int64
	Length int64
}

// NewFilePayload returns a payload covering the whole file.
func NewFilePayload(path string) (FilePayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FilePayload{}, fmt.Errorf("stat payload file: %w", err)
	}
	if info.IsDir() {
		return FilePayload{}, fmt.Errorf("payload %s is a directory", path)
	}
	return FilePayload{Path: path, Length: info.Size()}, nil
}

// Size ...
func (p FilePayload) Size() int64 {
	return p.Length
}

// Open returns a reader over the payload's byte range.
func (p FilePayload) Open() (io.ReadSeekCloser, error) {
	file, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open payload file: %w", err)
	}
	return &sectionFile{
		SectionReader: io.NewSectionReader(file, p.Offset, p.Length),
		file:          file,
	}, nil
}

type sectionFile struct {
	*io.SectionReader
	file *os.File
}

func (s *sectionFile) Close() error {
	return s.file.Close()
}

// FromChunks wraps encrypted parts as in-memory upload parts.
func FromChunks(parts []chunk.Part) []Part {
	result := make([]Part, 0, len(parts))
	for _, p := range parts {
		result = append(result, Part{Ordinal: p.Ordinal, Payload: BytesPayload(p.Data)})
	}
	return result
}
