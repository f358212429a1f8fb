package stack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
)

// UploadFile uploads small content (thumbnails, covers) in one request and returns the new node id.
// The content is streamed; seekable content may be retried by the transport.
// With overwrite disabled, a 409 resolves to the existing file's id.
func (c *Client) UploadFile(ctx context.Context, parentID int64, filename string, content io.Reader, size int64, overwrite bool) (int64, error) {
	const op = "upload file"

	header := uploadHeader(parentID, filename, size, overwrite)
	resp, err := c.doStream(ctx, op, http.MethodPost, "/upload", header, content, size)
	if IsConflict(err) {
		c.logger.Debugf("File %q already exists under %d, resolving its id", filename, parentID)
		return c.resolveChild(ctx, parentID, filename, false)
	}
	if err != nil {
		return 0, err
	}
	c.closeBody(resp.Body)

	return headerInt64(op, resp, headerID)
}

// UploadLargeFileWithSession streams totalSize bytes from r into pathParts/filename through a
// backend upload session, appending chunkSize bytes at a time. Only one chunk is held in memory.
// The backend does not return the node id on completion, so it is resolved by listing the parent.
func (c *Client) UploadLargeFileWithSession(ctx context.Context, pathParts []string, filename string, r io.Reader, totalSize, chunkSize int64) (int64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if totalSize < 0 {
		return 0, fmt.Errorf("total size must not be negative, got %d", totalSize)
	}

	parentID, err := c.EnsurePath(ctx, pathParts)
	if err != nil {
		return 0, err
	}

	sessionID, err := c.startUploadSession(ctx, parentID, filename, totalSize)
	if err != nil {
		return 0, err
	}
	c.logger.Debugf("Started upload session %s for %q (%s)", sessionID, filename, units.HumanSize(float64(totalSize)))

	buf := make([]byte, chunkSize)
	var offset int64
	for offset < totalSize {
		n := chunkSize
		if remaining := totalSize - offset; remaining < n {
			n = remaining
		}

		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return 0, fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}

		if err := c.appendChunk(ctx, sessionID, offset, buf[:n]); err != nil {
			return 0, err
		}
		offset += n

		c.logger.Debugf("Appended %s/%s of %q", units.HumanSize(float64(offset)), units.HumanSize(float64(totalSize)), filename)
	}

	return c.resolveChild(ctx, parentID, filename, false)
}

func (c *Client) startUploadSession(ctx context.Context, parentID int64, filename string, size int64) (string, error) {
	const op = "start upload session"

	req, err := c.newRequest(ctx, http.MethodPost, "/upload/session", nil)
	if err != nil {
		return "", err
	}
	copyHeader(req.Header, uploadHeader(parentID, filename, size, true))

	resp, err := c.do(op, req)
	if err != nil {
		return "", err
	}
	c.closeBody(resp.Body)

	return headerString(op, resp, headerID)
}

func (c *Client) appendChunk(ctx context.Context, sessionID string, offset int64, chunk []byte) error {
	op := fmt.Sprintf("append chunk at offset %d", offset)

	req, err := c.newRequest(ctx, http.MethodPut, "/upload/session/"+sessionID, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set(headerOffset, strconv.FormatInt(offset, 10))
	req.ContentLength = int64(len(chunk))

	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	c.closeBody(resp.Body)

	return nil
}

func uploadHeader(parentID int64, filename string, size int64, overwrite bool) http.Header {
	header := http.Header{}
	header.Set(headerParentID, formatID(parentID))
	header.Set(headerFilename, encodeFilename(filename))
	header.Set(headerFileByteSize, strconv.FormatInt(size, 10))
	header.Set(headerOverwrite, strconv.FormatBool(overwrite))
	header.Set("Content-Type", "application/octet-stream")
	return header
}
