package chunkscheduler

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// PartSource provides the bytes of each part. Part numbers are 1-based.
// Part may be called again for the same number on retry and must return
// a fresh reader positioned at the part's start.
type PartSource interface {
	NumParts() int
	PartSize(n int) int64
	Part(n int) (io.ReadSeeker, error)
}

// ReaderAtSource slices an io.ReaderAt into parts without buffering them.
// Safe for concurrent use.
type ReaderAtSource struct {
	r        io.ReaderAt
	size     int64
	partSize int64
}

// NewReaderAtSource ...
func NewReaderAtSource(r io.ReaderAt, size, partSize int64) (*ReaderAtSource, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}
	return &ReaderAtSource{r: r, size: size, partSize: partSize}, nil
}

// NewBytesSource ...
func NewBytesSource(data []byte, partSize int64) (*ReaderAtSource, error) {
	return NewReaderAtSource(bytes.NewReader(data), int64(len(data)), partSize)
}

// Size is the total number of bytes.
func (s *ReaderAtSource) Size() int64 {
	return s.size
}

// NumParts returns ceil(size / partSize).
func (s *ReaderAtSource) NumParts() int {
	return int((s.size + s.partSize - 1) / s.partSize)
}

// PartSize returns the size of part n; only the last part may be short.
func (s *ReaderAtSource) PartSize(n int) int64 {
	if n < 1 || n > s.NumParts() {
		return 0
	}
	offset := int64(n-1) * s.partSize
	if remaining := s.size - offset; remaining < s.partSize {
		return remaining
	}
	return s.partSize
}

// Part returns a reader over part n.
func (s *ReaderAtSource) Part(n int) (io.ReadSeeker, error) {
	if n < 1 || n > s.NumParts() {
		return nil, fmt.Errorf("part %d out of range [1, %d]", n, s.NumParts())
	}
	return io.NewSectionReader(s.r, int64(n-1)*s.partSize, s.PartSize(n)), nil
}

// FileSource reads parts from a file on disk.
type FileSource struct {
	*ReaderAtSource
	file *os.File
}

// NewFileSource opens path and splits it into partSize parts.
func NewFileSource(path string, partSize int64) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	src, err := NewReaderAtSource(file, info.Size(), partSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &FileSource{ReaderAtSource: src, file: file}, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
