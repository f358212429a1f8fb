package chunkscheduler

import (
	"bytes"
	"context"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/upload/server"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/furvino/go-stackutils/upload/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUploadServer(t *testing.T, cfg session.Config) (*SessionClient, string) {
	t.Helper()

	root := t.TempDir()
	fs, err := sink.NewFilesystem(root, "/files/furvino", log.NewLogger())
	require.NoError(t, err)

	cfg.Dir = t.TempDir()
	store, err := session.NewStore(cfg, fs, log.NewLogger())
	require.NoError(t, err)

	srv, err := server.New(server.Options{Store: store}, log.NewLogger())
	require.NoError(t, err)

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	client := NewSessionClient(httpServer.URL, log.NewLogger())
	t.Cleanup(client.CloseIdleConnections)
	return client, root
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, err)

	pth := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(pth, data, 0o644))
	return pth, data
}

func TestUploadFile_EndToEnd(t *testing.T) {
	client, root := startUploadServer(t, session.Config{})
	pth, data := writeRandomFile(t, "Game Setup.exe", 26_214_400)

	var (
		mu       sync.Mutex
		progress []Progress
	)
	config := DefaultConfig()
	config.Concurrency = 3
	config.OnProgress = func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	}
	scheduler, err := New(config, log.NewLogger())
	require.NoError(t, err)

	result, err := scheduler.UploadFile(context.Background(), client, FileUpload{
		Path:         pth,
		TargetFolder: "novels/abc/files/windows",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.UploadID)
	assert.True(t, result.OK)
	assert.Equal(t, "/files/furvino/novels/abc/files/windows/Game_Setup.exe", result.StackPath)
	assert.Equal(t, int64(26_214_400), result.Size)

	assembled, err := os.ReadFile(filepath.Join(root, "novels", "abc", "files", "windows", "Game_Setup.exe"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, assembled))

	require.Len(t, progress, 4)
	last := progress[len(progress)-1]
	assert.Equal(t, Progress{UploadedBytes: 26_214_400, TotalBytes: 26_214_400, UploadedParts: 4, TotalParts: 4}, last)
}

func TestUploadFile_Resume(t *testing.T) {
	client, root := startUploadServer(t, session.Config{PartSize: 1024, MinPartSize: 1024, MaxPartSize: 1024})
	pth, data := writeRandomFile(t, "novel.pdf", 3000)

	initResp, err := client.Init(context.Background(), session.InitRequest{
		TargetFolder: "novels/abc",
		Filename:     "novel.pdf",
		TotalSize:    int64(len(data)),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1024), initResp.PartSize)

	// An earlier run got part 2 through before dying.
	transport := client.Transport(initResp.UploadID)
	require.NoError(t, transport.UploadPart(context.Background(), 2, bytes.NewReader(data[1024:2048]), 1024))

	var uploadedParts []int
	var mu sync.Mutex
	config := DefaultConfig()
	config.OnProgress = func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		uploadedParts = append(uploadedParts, p.UploadedParts)
	}
	scheduler, err := New(config, log.NewLogger())
	require.NoError(t, err)

	result, err := scheduler.UploadFile(context.Background(), client, FileUpload{
		Path:     pth,
		ResumeID: initResp.UploadID,
	})
	require.NoError(t, err)
	assert.Equal(t, initResp.UploadID, result.UploadID)
	assert.Equal(t, int64(3000), result.Size)
	assert.Len(t, uploadedParts, 2, "only the missing parts are sent")

	assembled, err := os.ReadFile(filepath.Join(root, "novels", "abc", "novel.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, assembled))
}

func TestUploadFile_ResumeWithChangedFile(t *testing.T) {
	client, _ := startUploadServer(t, session.Config{PartSize: 1024, MinPartSize: 1024, MaxPartSize: 1024})
	_, data := writeRandomFile(t, "novel.pdf", 3000)

	initResp, err := client.Init(context.Background(), session.InitRequest{
		TargetFolder: "novels/abc",
		Filename:     "novel.pdf",
		TotalSize:    int64(len(data)),
	})
	require.NoError(t, err)
	require.NoError(t, client.Transport(initResp.UploadID).UploadPart(context.Background(), 1, bytes.NewReader(data[:1024]), 1024))

	changed, _ := writeRandomFile(t, "novel-v2.pdf", 3500)

	scheduler, err := New(DefaultConfig(), log.NewLogger())
	require.NoError(t, err)

	result, err := scheduler.UploadFile(context.Background(), client, FileUpload{
		Path:     changed,
		ResumeID: initResp.UploadID,
	})
	require.ErrorIs(t, err, ErrResumeMismatch)
	assert.Equal(t, initResp.UploadID, result.UploadID)

	status, err := client.Status(context.Background(), initResp.UploadID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, status.Parts)
}

func TestUploadFile_RejectedFolder(t *testing.T) {
	client, _ := startUploadServer(t, session.Config{})
	pth, _ := writeRandomFile(t, "a.zip", 10)

	scheduler, err := New(DefaultConfig(), log.NewLogger())
	require.NoError(t, err)

	_, err = scheduler.UploadFile(context.Background(), client, FileUpload{Path: pth, TargetFolder: "../outside"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.StatusCode)
}
