// Package sink holds the permanent destinations assembled uploads are committed to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// Filesystem commits into a local directory that the STACK sync client mirrors.
// A file at <root>/<rel> becomes visible in STACK at <prefix>/<rel>.
type Filesystem struct {
	root   string
	prefix string
	logger log.Logger
}

// NewFilesystem ...
func NewFilesystem(root, stackPrefix string, logger log.Logger) (*Filesystem, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is not set")
	}

	absRoot, err := pathutil.NewPathModifier().AbsPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &Filesystem{
		root:   filepath.Clean(absRoot),
		prefix: "/" + strings.Trim(stackPrefix, "/"),
		logger: logger,
	}, nil
}

// Location returns the STACK path of rel.
func (f *Filesystem) Location(rel string) string {
	return path.Join(f.prefix, rel)
}

// Commit moves srcPath to <root>/<rel>, replacing an existing file.
func (f *Filesystem) Commit(ctx context.Context, srcPath, rel string, size int64) (string, error) {
	dst, err := f.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create target directory: %w", err)
	}

	if err := os.Rename(srcPath, dst); err != nil {
		if !isCrossDevice(err) {
			return "", fmt.Errorf("move into storage root: %w", err)
		}
		f.logger.Debugf("Staging and storage are on different devices, copying %s", rel)
		if err := copyFile(ctx, srcPath, dst); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", err
	}
	if info.Size() != size {
		return "", fmt.Errorf("committed %s has %d bytes, expected %d", rel, info.Size(), size)
	}

	return f.Location(rel), nil
}

func (f *Filesystem) resolve(rel string) (string, error) {
	dst := filepath.Join(f.root, filepath.FromSlash(rel))
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the storage root", rel)
	}
	return abs, nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV)
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	partial := dst + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(partial)
		return fmt.Errorf("copy into storage root: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(partial)
		return err
	}

	if err := os.Rename(partial, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
