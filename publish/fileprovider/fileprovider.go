// Package fileprovider resolves an import source, either a file:// path or an
// http(s) URL, to something the importer can read.
package fileprovider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

const (
	fileScheme = "file://"
)

// FileProvider supports retrieving the local path to a file either provided
// as a local path using `file://` scheme or downloading the file to a
// temporary location and returning the path to it.
type FileProvider interface {
	// LocalPath returns the local file path for the given source.
	// Remote files are downloaded into a fresh temporary directory, which the
	// caller removes with Cleanup once done.
	LocalPath(ctx context.Context, src string) (string, error)

	// Contents returns a streaming reader for the file contents and its size,
	// or -1 when the server does not announce one.
	// The caller is responsible for closing the returned io.ReadCloser.
	Contents(ctx context.Context, src string) (io.ReadCloser, int64, error)

	// Cleanup removes what LocalPath downloaded for src. Local files are left alone.
	Cleanup(src, localPath string) error
}

type fileProvider struct {
	client       *retryablehttp.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewFileProvider ...
func NewFileProvider(logger log.Logger) FileProvider {
	return &fileProvider{
		client:       retryhttp.NewClient(logger),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		logger:       logger,
	}
}

func (f *fileProvider) LocalPath(ctx context.Context, src string) (string, error) {
	if isLocal(src) {
		return f.trimmedFilePath(src)
	}

	return f.downloadFileToLocalPath(ctx, src)
}

func (f *fileProvider) Contents(ctx context.Context, src string) (io.ReadCloser, int64, error) {
	if isLocal(src) {
		trimmedPath, err := f.trimmedFilePath(src)
		if err != nil {
			return nil, 0, err
		}

		file, err := os.Open(trimmedPath)
		if err != nil {
			return nil, 0, err
		}
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, 0, err
		}
		return file, info.Size(), nil
	}

	if err := checkRemote(src); err != nil {
		return nil, 0, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch %s: HTTP %d", src, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *fileProvider) Cleanup(src, localPath string) error {
	if isLocal(src) {
		return nil
	}
	return os.RemoveAll(filepath.Dir(localPath))
}

func isLocal(src string) bool {
	return strings.HasPrefix(src, fileScheme)
}

func checkRemote(src string) error {
	parsed, err := url.Parse(src)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported source %q: use file://, http:// or https://", src)
	}
	return nil
}

// trimmedFilePath removes the file:// prefix from the path and returns the absolute path.
func (f *fileProvider) trimmedFilePath(src string) (string, error) {
	pth := strings.TrimPrefix(src, fileScheme)
	return f.pathModifier.AbsPath(pth)
}

// downloadFileToLocalPath downloads a remote file to a temporary directory
// and returns the local path to the downloaded file.
func (f *fileProvider) downloadFileToLocalPath(ctx context.Context, src string) (string, error) {
	if err := checkRemote(src); err != nil {
		return "", err
	}

	fileName, err := fileNameFromURL(src)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", src, err)
	}

	tmpDir, err := f.pathProvider.CreateTempDir("FileProvider")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	downloader := got.New()
	downloader.Client = f.client.StandardClient()

	f.logger.Debugf("Downloading %s", src)
	if err := downloader.Do(got.NewDownload(ctx, src, localPath)); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", fmt.Errorf("failed to download file from %s: %w", src, err)
	}

	return localPath, nil
}

// FileName returns the file name a source refers to.
func FileName(src string) (string, error) {
	if isLocal(src) {
		name := filepath.Base(strings.TrimPrefix(src, fileScheme))
		if name == "." || name == string(filepath.Separator) {
			return "", fmt.Errorf("path has no file name: %s", src)
		}
		return name, nil
	}
	return fileNameFromURL(src)
}

// fileNameFromURL extracts the filename from a URL path.
func fileNameFromURL(src string) (string, error) {
	parsedURL, err := url.Parse(src)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsedURL.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("URL has no file name")
	}
	return name, nil
}
