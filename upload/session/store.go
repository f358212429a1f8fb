// Package session stages the parts of chunked uploads on local disk and assembles them,
// in part number order, into a single file handed to a Sink.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	metaFileName      = "meta.json"
	partFilePrefix    = "part-"
	assemblingLock    = ".assembling"
	assembledFileName = "assembled"
	doneSuffix        = ".done.json"

	DefaultPartSize    = 8 * units.MiB
	DefaultMinPartSize = 1 * units.MiB
	DefaultMaxPartSize = 64 * units.MiB
	DefaultMaxParts    = 10000
)

// Sink receives assembled files.
type Sink interface {
	// Commit moves the assembled file at srcPath to relPath under the permanent root
	// and returns its location.
	Commit(ctx context.Context, srcPath, relPath string, size int64) (string, error)
	// Location is where relPath ends up once committed.
	Location(relPath string) string
}

// Config ...
type Config struct {
	Dir            string
	PartSize       int64
	MinPartSize    int64
	MaxPartSize    int64
	MaxParts       int
	AllowedFolders []string
}

// InitRequest is what a client sends to open a session.
type InitRequest struct {
	TargetFolder string `json:"targetFolder" validate:"required"`
	Filename     string `json:"filename" validate:"required,max=255"`
	TotalSize    int64  `json:"totalSize,omitempty" validate:"gte=0"`
	PartSize     int64  `json:"partSize,omitempty" validate:"gte=0"`
}

// Meta describes a session. It is written once, at init.
type Meta struct {
	ID                string    `json:"id"`
	Filename          string    `json:"filename"`
	SanitizedFilename string    `json:"sanitizedFilename"`
	TargetFolder      string    `json:"targetFolder"`
	PartSize          int64     `json:"partSize"`
	TotalSize         int64     `json:"totalSize,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	StackPath         string    `json:"stackPath"`
}

// RelPath is the assembled file's path relative to the permanent root.
func (m Meta) RelPath() string {
	if m.TargetFolder == "" {
		return m.SanitizedFilename
	}
	return m.TargetFolder + "/" + m.SanitizedFilename
}

// Completion is recorded once a session is assembled and committed.
type Completion struct {
	ID          string    `json:"id"`
	StackPath   string    `json:"stackPath"`
	Size        int64     `json:"size"`
	CompletedAt time.Time `json:"completedAt"`
}

// Store keeps every session in its own directory under Config.Dir.
type Store struct {
	cfg         Config
	sink        Sink
	logger      log.Logger
	pathChecker pathutil.PathChecker
	now         func() time.Time

	// commitMu orders part renames against taking the assembling lock.
	commitMu sync.RWMutex
}

// NewStore ...
func NewStore(cfg Config, sink Sink, logger log.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("staging directory is not set")
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.MinPartSize == 0 {
		cfg.MinPartSize = DefaultMinPartSize
	}
	if cfg.MaxPartSize == 0 {
		cfg.MaxPartSize = DefaultMaxPartSize
	}
	if cfg.MaxParts == 0 {
		cfg.MaxParts = DefaultMaxParts
	}
	if cfg.MinPartSize > cfg.MaxPartSize {
		return nil, fmt.Errorf("minimum part size %d exceeds maximum %d", cfg.MinPartSize, cfg.MaxPartSize)
	}
	if _, err := folderAllowed(cfg.AllowedFolders, ""); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	return &Store{
		cfg:         cfg,
		sink:        sink,
		logger:      logger,
		pathChecker: pathutil.NewPathChecker(),
		now:         time.Now,
	}, nil
}

// ClampPartSize picks the part size for a session: the client's suggestion bounded
// to the configured range, or the default when nothing was suggested.
func (s *Store) ClampPartSize(suggested int64) int64 {
	if suggested <= 0 {
		suggested = s.cfg.PartSize
	}
	if suggested < s.cfg.MinPartSize {
		return s.cfg.MinPartSize
	}
	if suggested > s.cfg.MaxPartSize {
		return s.cfg.MaxPartSize
	}
	return suggested
}

// Init opens a new session.
func (s *Store) Init(req InitRequest) (Meta, error) {
	folder, err := ResolveFolder(req.TargetFolder, s.cfg.AllowedFolders)
	if err != nil {
		return Meta{}, err
	}

	filename, err := SanitizeFilename(req.Filename)
	if err != nil {
		return Meta{}, err
	}
	if req.TotalSize < 0 {
		return Meta{}, fmt.Errorf("%w: negative total size %d", ErrInvalidPart, req.TotalSize)
	}

	partSize := s.ClampPartSize(req.PartSize)
	if req.TotalSize > 0 && (req.TotalSize+partSize-1)/partSize > int64(s.cfg.MaxParts) {
		return Meta{}, fmt.Errorf("%w: %s needs more than %d parts of %s", ErrInvalidPart,
			units.HumanSize(float64(req.TotalSize)), s.cfg.MaxParts, units.HumanSize(float64(partSize)))
	}

	meta := Meta{
		ID:                uuid.NewString(),
		Filename:          req.Filename,
		SanitizedFilename: filename,
		TargetFolder:      folder,
		PartSize:          partSize,
		TotalSize:         req.TotalSize,
		CreatedAt:         s.now().UTC(),
	}
	meta.StackPath = s.sink.Location(meta.RelPath())

	dir := s.sessionDir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("create session directory: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, metaFileName), meta); err != nil {
		return Meta{}, err
	}

	s.logger.Debugf("Opened upload session %s for %s (part size %s)", meta.ID, meta.RelPath(), units.HumanSize(float64(partSize)))
	return meta, nil
}

// Get returns the session's metadata.
func (s *Store) Get(id string) (Meta, error) {
	if err := validateID(id); err != nil {
		return Meta{}, err
	}

	var meta Meta
	if err := readJSONFile(filepath.Join(s.sessionDir(id), metaFileName), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrSessionNotFound
		}
		return Meta{}, err
	}
	return meta, nil
}

// WritePart stores part number n, replacing any earlier write of the same part.
// The body is streamed to disk and may not exceed the session part size.
func (s *Store) WritePart(ctx context.Context, id string, n int, body io.Reader) (int64, error) {
	if n < 1 || n > s.cfg.MaxParts {
		return 0, fmt.Errorf("%w: part number %d is outside [1, %d]", ErrInvalidPart, n, s.cfg.MaxParts)
	}

	meta, err := s.Get(id)
	if err != nil {
		return 0, err
	}

	dir := s.sessionDir(id)
	if err := s.checkNotAssembling(dir); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, partFileName(n)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create part %d: %w", n, err)
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnf("Failed to remove temporary part file: %s", err)
		}
	}()

	written, err := io.Copy(tmp, &contextReader{ctx: ctx, r: io.LimitReader(body, meta.PartSize+1)})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("write part %d: %w", n, err)
	}
	if written > meta.PartSize {
		return 0, fmt.Errorf("%w: part %d is larger than %d bytes", ErrPartTooLarge, n, meta.PartSize)
	}
	if written == 0 {
		return 0, fmt.Errorf("%w: part %d is empty", ErrInvalidPart, n)
	}

	// A finalize that started while the body was streaming must not miss or drop this part.
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	if err := s.checkNotAssembling(dir); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, partFileName(n))); err != nil {
		return 0, fmt.Errorf("store part %d: %w", n, err)
	}
	return written, nil
}

func (s *Store) checkNotAssembling(dir string) error {
	exists, err := s.pathChecker.IsPathExists(filepath.Join(dir, assemblingLock))
	if err != nil {
		return err
	}
	if exists {
		return ErrFinalizeInProgress
	}
	return nil
}

// ReceivedParts returns the stored part numbers in ascending order.
func (s *Store) ReceivedParts(id string) ([]int, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}

	parts, _, err := s.scanParts(id)
	return parts, err
}

func (s *Store) scanParts(id string) ([]int, map[int]int64, error) {
	entries, err := os.ReadDir(s.sessionDir(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}

	parts := []int{}
	sizes := map[int]int64{}
	for _, entry := range entries {
		n, ok := parsePartFileName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, n)
		sizes[n] = info.Size()
	}
	sort.Ints(parts)
	return parts, sizes, nil
}

// Finalize assembles the session's parts into one file, commits it to the sink and
// removes the staging area. expectedParts of 0 means "whatever was received",
// as long as it is contiguous from 1. Finalizing a completed session returns the
// recorded result again.
func (s *Store) Finalize(ctx context.Context, id string, expectedParts int) (Completion, error) {
	if err := validateID(id); err != nil {
		return Completion{}, err
	}
	if done, ok, err := s.completion(id); err != nil || ok {
		return done, err
	}

	meta, err := s.Get(id)
	if errors.Is(err, ErrSessionNotFound) {
		// A concurrent finalize may have just finished.
		if done, ok, cErr := s.completion(id); cErr != nil || ok {
			return done, cErr
		}
	}
	if err != nil {
		return Completion{}, err
	}

	dir := s.sessionDir(id)
	s.commitMu.Lock()
	lock, err := os.OpenFile(filepath.Join(dir, assemblingLock), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	s.commitMu.Unlock()
	switch {
	case errors.Is(err, os.ErrExist):
		return Completion{}, ErrFinalizeInProgress
	case errors.Is(err, os.ErrNotExist):
		if done, ok, cErr := s.completion(id); cErr != nil || ok {
			return done, cErr
		}
		return Completion{}, ErrSessionNotFound
	case err != nil:
		return Completion{}, fmt.Errorf("lock session %s: %w", id, err)
	}
	if err := lock.Close(); err != nil {
		return Completion{}, err
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		if err := os.Remove(filepath.Join(dir, assemblingLock)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnf("Failed to unlock session %s: %s", id, err)
		}
	}()

	parts, sizes, err := s.scanParts(id)
	if err != nil {
		return Completion{}, err
	}
	if err := checkComplete(parts, sizes, expectedParts, meta.PartSize); err != nil {
		return Completion{}, err
	}

	assembled := filepath.Join(dir, assembledFileName)
	size, err := s.assemble(ctx, dir, parts, assembled)
	if err != nil {
		return Completion{}, err
	}
	if meta.TotalSize > 0 && size != meta.TotalSize {
		s.logger.Warnf("Session %s assembled %d bytes, client announced %d", id, size, meta.TotalSize)
	}

	location, err := s.sink.Commit(ctx, assembled, meta.RelPath(), size)
	if err != nil {
		return Completion{}, fmt.Errorf("commit %s: %w", meta.RelPath(), err)
	}

	done := Completion{ID: id, StackPath: location, Size: size, CompletedAt: s.now().UTC()}
	if err := writeJSONFile(s.completionPath(id), done); err != nil {
		return Completion{}, err
	}
	completed = true

	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warnf("Failed to remove staging directory of session %s: %s", id, err)
	}

	s.logger.Donef("Assembled %s (%s, %d parts)", location, units.HumanSize(float64(size)), len(parts))
	return done, nil
}

func checkComplete(parts []int, sizes map[int]int64, expected int, partSize int64) error {
	received := map[int]bool{}
	highest := 0
	for _, n := range parts {
		received[n] = true
		if n > highest {
			highest = n
		}
	}

	total := expected
	if total == 0 {
		total = highest
	}
	if total == 0 {
		return &IncompleteUploadError{Expected: 0, Received: 0}
	}
	if highest > total {
		return fmt.Errorf("%w: received part %d but only %d parts were expected", ErrInvalidPart, highest, total)
	}

	var missing []int
	for n := 1; n <= total; n++ {
		if !received[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &IncompleteUploadError{Missing: missing, Expected: total, Received: len(parts)}
	}

	for n := 1; n < total; n++ {
		if sizes[n] != partSize {
			return fmt.Errorf("%w: part %d is %d bytes, every part but the last must be %d", ErrInvalidPart, n, sizes[n], partSize)
		}
	}
	return nil
}

func (s *Store) assemble(ctx context.Context, dir string, parts []int, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create assembled file: %w", err)
	}

	var total int64
	for _, n := range parts {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return 0, err
		}

		written, err := appendFile(out, filepath.Join(dir, partFileName(n)))
		if err != nil {
			_ = out.Close()
			return 0, fmt.Errorf("append part %d: %w", n, err)
		}
		total += written
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, err
	}
	return total, out.Close()
}

func appendFile(dst io.Writer, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(dst, f)
}

// Sweep removes sessions and completion records older than olderThan.
// Sessions being assembled are left alone.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(s.cfg.Dir, name)

		switch {
		case entry.IsDir() && validateID(name) == nil:
			meta, err := s.Get(name)
			if err != nil {
				s.logger.Warnf("Skipping unreadable session %s: %s", name, err)
				continue
			}
			if meta.CreatedAt.After(cutoff) {
				continue
			}
			if exists, _ := s.pathChecker.IsPathExists(filepath.Join(full, assemblingLock)); exists {
				continue
			}
			if err := os.RemoveAll(full); err != nil {
				return removed, err
			}
			s.logger.Debugf("Removed expired upload session %s", name)
			removed++

		case strings.HasSuffix(name, doneSuffix):
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) completion(id string) (Completion, bool, error) {
	var done Completion
	if err := readJSONFile(s.completionPath(id), &done); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Completion{}, false, nil
		}
		return Completion{}, false, err
	}
	return done, true, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.cfg.Dir, id)
}

func (s *Store) completionPath(id string) string {
	return filepath.Join(s.cfg.Dir, id+doneSuffix)
}

func validateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return ErrSessionNotFound
	}
	return nil
}

func partFileName(n int) string {
	return fmt.Sprintf("%s%05d", partFilePrefix, n)
}

func parsePartFileName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, partFilePrefix)
	if !ok || strings.Contains(digits, ".") {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func writeJSONFile(pth string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp := pth + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(pth), err)
	}
	return os.Rename(tmp, pth)
}

func readJSONFile(pth string, v interface{}) error {
	data, err := os.ReadFile(pth)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
