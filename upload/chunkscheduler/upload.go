package chunkscheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/furvino/go-stackutils/upload"
	"github.com/furvino/go-stackutils/upload/session"
)

// ErrResumeMismatch is returned when the local file no longer matches the session being resumed.
var ErrResumeMismatch = errors.New("file does not match the upload being resumed")

// FileUpload describes a local file to push through an upload server.
type FileUpload struct {
	Path         string
	TargetFolder string
	// Filename defaults to the base name of Path.
	Filename string
	Publish  bool
	// ResumeID continues an earlier session, skipping the parts it already holds.
	ResumeID string
}

// Result of UploadFile. UploadID is set as soon as a session exists, even on failure,
// so the caller can resume.
type Result struct {
	UploadID string
	upload.CompleteResponse
}

// UploadFile opens (or resumes) a session, uploads the missing parts and completes it.
func (s *Scheduler) UploadFile(ctx context.Context, client *SessionClient, req FileUpload) (Result, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return Result{}, err
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", req.Path)
	}

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.Path)
	}

	var (
		uploadID string
		partSize int64
		skip     []int
	)
	if req.ResumeID != "" {
		status, err := client.Status(ctx, req.ResumeID)
		if err != nil {
			return Result{}, fmt.Errorf("resume %s: %w", req.ResumeID, err)
		}
		if status.Meta.TotalSize > 0 && status.Meta.TotalSize != info.Size() {
			return Result{UploadID: req.ResumeID}, fmt.Errorf("%w: %s is %d bytes, upload %s was opened for %d bytes",
				ErrResumeMismatch, req.Path, info.Size(), req.ResumeID, status.Meta.TotalSize)
		}
		uploadID, partSize, skip = req.ResumeID, status.Meta.PartSize, status.Parts
		s.logger.Printf("Resuming upload %s, %d part(s) already on the server", uploadID, len(skip))
	} else {
		resp, err := client.Init(ctx, session.InitRequest{
			TargetFolder: req.TargetFolder,
			Filename:     filename,
			TotalSize:    info.Size(),
			PartSize:     s.config.PartSize,
		})
		if err != nil {
			return Result{}, err
		}
		uploadID, partSize = resp.UploadID, resp.PartSize
		s.logger.Debugf("Opened upload %s for %s", uploadID, resp.StackPath)
	}

	result := Result{UploadID: uploadID}

	src, err := NewFileSource(req.Path, partSize)
	if err != nil {
		return result, err
	}

	closeSource := func() {
		if err := src.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", req.Path, err)
		}
	}

	workersDone, err := s.run(ctx, src, client.Transport(uploadID), skip)
	if err != nil {
		// Workers may still be reading parts after a canceled run returns.
		go func() {
			<-workersDone
			closeSource()
		}()
		return result, err
	}
	closeSource()

	completed, err := client.Complete(ctx, uploadID, src.NumParts(), req.Publish)
	if err != nil {
		return result, err
	}
	result.CompleteResponse = completed
	return result, nil
}
