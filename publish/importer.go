package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/furvino/go-stackutils/publish/fileprovider"
	"github.com/furvino/go-stackutils/stack"
	"github.com/furvino/go-stackutils/upload/session"
)

// DefaultImportChunkSize is the append size used when importing through a backend upload session.
const DefaultImportChunkSize int64 = 8 * units.MiB

// SessionUploader streams a file into STACK through a backend upload session.
type SessionUploader interface {
	UploadLargeFileWithSession(ctx context.Context, pathParts []string, filename string, r io.Reader, totalSize, chunkSize int64) (int64, error)
	PublicSharer
}

// Importer pulls a file from a URL and publishes it in STACK without going
// through the staging store.
type Importer struct {
	provider  fileprovider.FileProvider
	client    SessionUploader
	chunkSize int64
	logger    log.Logger
}

// NewImporter ...
func NewImporter(provider fileprovider.FileProvider, client SessionUploader, chunkSize int64, logger log.Logger) *Importer {
	if chunkSize <= 0 {
		chunkSize = DefaultImportChunkSize
	}
	return &Importer{
		provider:  provider,
		client:    client,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Import fetches sourceURL (file://, http:// or https://), uploads it into pathParts
// and returns its public share. Sources of known size are streamed straight into the
// upload session; others are downloaded first and removed afterwards.
func (i *Importer) Import(ctx context.Context, sourceURL string, pathParts []string) (Result, error) {
	name, err := fileprovider.FileName(sourceURL)
	if err != nil {
		return Result{}, err
	}
	filename, err := session.SanitizeFilename(name)
	if err != nil {
		return Result{}, err
	}

	content, size, err := i.open(ctx, sourceURL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := content.Close(); err != nil {
			i.logger.Warnf("Failed to close %s: %s", sourceURL, err)
		}
	}()

	i.logger.Printf("Importing %s (%s) as %s", sourceURL, units.HumanSize(float64(size)), filename)
	nodeID, err := i.client.UploadLargeFileWithSession(ctx, pathParts, filename, content, size, i.chunkSize)
	if err != nil {
		return Result{}, fmt.Errorf("import %s: %w", sourceURL, err)
	}

	share, err := i.client.CreatePublicShare(ctx, nodeID)
	if err != nil {
		return Result{}, fmt.Errorf("share node %d: %w", nodeID, err)
	}

	result := Result{
		NodeID:   nodeID,
		ShareID:  share.ID,
		URLToken: share.URLToken,
		URL:      i.client.PublicURL(share.URLToken),
		Degraded: share.Degraded,
	}
	i.logger.Donef("Imported %s to %s", sourceURL, result.URL)
	return result, nil
}

// open returns the source contents and their size.
func (i *Importer) open(ctx context.Context, sourceURL string) (io.ReadCloser, int64, error) {
	stream, size, err := i.provider.Contents(ctx, sourceURL)
	if err != nil {
		return nil, 0, err
	}
	if size >= 0 {
		return stream, size, nil
	}
	if err := stream.Close(); err != nil {
		i.logger.Debugf("Failed to close stream of %s: %s", sourceURL, err)
	}

	i.logger.Debugf("%s has no announced size, downloading it first", sourceURL)
	localPath, err := i.provider.LocalPath(ctx, sourceURL)
	if err != nil {
		return nil, 0, err
	}
	cleanup := func() error { return i.provider.Cleanup(sourceURL, localPath) }

	file, err := os.Open(localPath)
	if err != nil {
		if cleanupErr := cleanup(); cleanupErr != nil {
			i.logger.Warnf("Failed to remove downloaded copy of %s: %s", sourceURL, cleanupErr)
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		if cleanupErr := cleanup(); cleanupErr != nil {
			i.logger.Warnf("Failed to remove downloaded copy of %s: %s", sourceURL, cleanupErr)
		}
		return nil, 0, err
	}

	return &downloadedFile{File: file, cleanup: cleanup}, info.Size(), nil
}

// downloadedFile removes its download directory on Close.
type downloadedFile struct {
	*os.File
	cleanup func() error
}

func (d *downloadedFile) Close() error {
	return errors.Join(d.File.Close(), d.cleanup())
}

var _ SessionUploader = (*stack.Client)(nil)
