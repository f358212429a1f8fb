package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/stack"
	"github.com/furvino/go-stackutils/stack/sharetoken"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWaiter struct {
	mock.Mock
}

func (m *mockWaiter) WaitForPath(ctx context.Context, nodePath string) (int64, error) {
	args := m.Called(ctx, nodePath)
	return args.Get(0).(int64), args.Error(1)
}

type mockSharer struct {
	mock.Mock
}

func (m *mockSharer) CreatePublicShare(ctx context.Context, nodeID int64) (stack.Share, error) {
	args := m.Called(ctx, nodeID)
	return args.Get(0).(stack.Share), args.Error(1)
}

func (m *mockSharer) PublicURL(urlToken string) string {
	return "https://furvino.stackstorage.com/s/" + urlToken
}

func TestPublish(t *testing.T) {
	const stackPath = "/files/furvino/novels/abc/files/windows/Game_Setup.exe"

	waiter := new(mockWaiter)
	waiter.On("WaitForPath", mock.Anything, stackPath).Return(int64(42), nil)
	sharer := new(mockSharer)
	sharer.On("CreatePublicShare", mock.Anything, int64(42)).Return(stack.Share{ID: 7, URLToken: "tok", NodeID: 42}, nil)

	result, err := NewPublisher(waiter, sharer, log.NewLogger()).Publish(context.Background(), stackPath)
	require.NoError(t, err)
	assert.Equal(t, Result{NodeID: 42, ShareID: 7, URLToken: "tok", URL: "https://furvino.stackstorage.com/s/tok"}, result)

	waiter.AssertExpectations(t)
	sharer.AssertExpectations(t)
}

func TestPublish_Degraded(t *testing.T) {
	waiter := new(mockWaiter)
	waiter.On("WaitForPath", mock.Anything, "/files/a.zip").Return(int64(1), nil)
	sharer := new(mockSharer)
	sharer.On("CreatePublicShare", mock.Anything, int64(1)).Return(stack.Share{ID: 2, URLToken: "t", Degraded: true}, nil)

	result, err := NewPublisher(waiter, sharer, log.NewLogger()).Publish(context.Background(), "/files/a.zip")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
}

func TestPublish_WaitFailureSkipsShare(t *testing.T) {
	waitErr := errors.New("not visible")
	waiter := new(mockWaiter)
	waiter.On("WaitForPath", mock.Anything, "/files/a.zip").Return(int64(0), waitErr)
	sharer := new(mockSharer)

	_, err := NewPublisher(waiter, sharer, log.NewLogger()).Publish(context.Background(), "/files/a.zip")
	require.ErrorIs(t, err, waitErr)
	sharer.AssertNotCalled(t, "CreatePublicShare", mock.Anything, mock.Anything)

	_, err = NewPublisher(waiter, sharer, log.NewLogger()).Publish(context.Background(), "files/a.zip")
	require.Error(t, err)
}

func TestRootParts(t *testing.T) {
	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "/files/furvino", want: []string{"furvino"}},
		{prefix: "/files/furvino/", want: []string{"furvino"}},
		{prefix: "/files", want: []string{}},
		{prefix: "/", want: nil},
		{prefix: "/uploads/a/b", want: []string{"uploads", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := RootParts(tt.prefix)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeDirs struct {
	paths [][]string
}

func (f *fakeDirs) EnsurePath(_ context.Context, pathParts []string) (int64, error) {
	f.paths = append(f.paths, pathParts)
	return 500, nil
}

type fakeShareClient struct {
	nextID  int64
	created []int64
	deleted []int64
}

func (f *fakeShareClient) CreateShare(_ context.Context, nodeID int64, perms stack.Permissions, _ time.Time) (stack.Share, error) {
	f.nextID++
	f.created = append(f.created, nodeID)
	return stack.Share{ID: f.nextID, URLToken: fmt.Sprintf("url-%d", f.nextID), NodeID: nodeID}, nil
}

func (f *fakeShareClient) AuthorizeShare(_ context.Context, urlToken string) (string, error) {
	return "bearer-" + urlToken, nil
}

func (f *fakeShareClient) DeleteShare(_ context.Context, shareID int64) error {
	f.deleted = append(f.deleted, shareID)
	return nil
}

func TestUploadShares(t *testing.T) {
	dirs := &fakeDirs{}
	client := &fakeShareClient{nextID: 8}
	manager := sharetoken.NewManager(client, log.NewLogger())
	shares := NewUploadShares(dirs, manager, "/files/furvino", []string{"novels/*/files", "novels/*/files/**"}, time.Hour)

	token, err := shares.IssueUploadShare(context.Background(), "novels/abc/files/windows/")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"furvino", "novels", "abc", "files", "windows"}}, dirs.paths)
	assert.Equal(t, int64(9), token.ShareID)
	assert.Equal(t, int64(500), token.ParentNodeID)
	assert.Equal(t, "bearer-url-9", token.ShareToken)

	// A live token for the same folder is handed out again.
	again, err := shares.IssueUploadShare(context.Background(), "novels/abc/files/windows")
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.Len(t, client.created, 1)
	assert.Len(t, dirs.paths, 1)

	_, err = shares.IssueUploadShare(context.Background(), "novels/../secrets")
	require.ErrorIs(t, err, session.ErrInvalidPath)

	_, err = shares.IssueUploadShare(context.Background(), "avatars")
	require.ErrorIs(t, err, session.ErrInvalidPath)
	assert.Len(t, dirs.paths, 1)

	require.ErrorIs(t, shares.Revoke(context.Background(), 3), sharetoken.ErrUnknownShare)
	assert.Empty(t, client.deleted)

	require.NoError(t, shares.Revoke(context.Background(), token.ShareID))
	assert.Equal(t, []int64{9}, client.deleted)
	require.ErrorIs(t, shares.Revoke(context.Background(), token.ShareID), sharetoken.ErrUnknownShare)

	// After a revoke the folder gets a fresh share.
	fresh, err := shares.IssueUploadShare(context.Background(), "novels/abc/files/windows")
	require.NoError(t, err)
	assert.Equal(t, int64(10), fresh.ShareID)
}

func TestUploadShares_ExpiredSharesAreForgotten(t *testing.T) {
	client := &fakeShareClient{}
	manager := sharetoken.NewManager(client, log.NewLogger())
	shares := NewUploadShares(&fakeDirs{}, manager, "/files/furvino", nil, time.Hour)

	token, err := shares.IssueUploadShare(context.Background(), "novels/abc")
	require.NoError(t, err)

	shares.now = func() time.Time { return token.Expiry().Add(time.Second) }
	require.ErrorIs(t, shares.Revoke(context.Background(), token.ShareID), sharetoken.ErrUnknownShare)
	assert.Empty(t, client.deleted)
}

type fakeProvider struct {
	localPath   string
	unsized     bool
	downloaded  []string
	cleaned     []string
	streamsOpen int
}

func (f *fakeProvider) LocalPath(_ context.Context, src string) (string, error) {
	f.downloaded = append(f.downloaded, src)
	return f.localPath, nil
}

func (f *fakeProvider) Contents(context.Context, string) (io.ReadCloser, int64, error) {
	file, err := os.Open(f.localPath)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		return nil, 0, err
	}
	f.streamsOpen++
	if f.unsized {
		return file, -1, nil
	}
	return file, info.Size(), nil
}

func (f *fakeProvider) Cleanup(src, _ string) error {
	f.cleaned = append(f.cleaned, src)
	return nil
}

type fakeUploader struct {
	mockSharer
	pathParts []string
	filename  string
	content   []byte
	chunkSize int64
}

func (f *fakeUploader) UploadLargeFileWithSession(_ context.Context, pathParts []string, filename string, r io.Reader, totalSize, chunkSize int64) (int64, error) {
	content, err := io.ReadAll(io.LimitReader(r, totalSize))
	if err != nil {
		return 0, err
	}
	f.pathParts = pathParts
	f.filename = filename
	f.content = content
	f.chunkSize = chunkSize
	return 77, nil
}

func TestImport(t *testing.T) {
	const src = "https://cdn.example.com/Game%20Setup.exe"

	tests := []struct {
		name           string
		unsized        bool
		wantDownloaded []string
	}{
		{name: "known size is streamed"},
		{name: "unknown size is downloaded first", unsized: true, wantDownloaded: []string{src}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			localPath := filepath.Join(t.TempDir(), "download.bin")
			require.NoError(t, os.WriteFile(localPath, []byte("installer"), 0o644))

			provider := &fakeProvider{localPath: localPath, unsized: tt.unsized}
			uploader := &fakeUploader{}
			uploader.On("CreatePublicShare", mock.Anything, int64(77)).Return(stack.Share{ID: 3, URLToken: "imp"}, nil)

			importer := NewImporter(provider, uploader, 0, log.NewLogger())
			result, err := importer.Import(context.Background(), src, []string{"furvino", "imports"})
			require.NoError(t, err)

			assert.Equal(t, []string{"furvino", "imports"}, uploader.pathParts)
			assert.Equal(t, "Game_Setup.exe", uploader.filename)
			assert.Equal(t, "installer", string(uploader.content))
			assert.Equal(t, DefaultImportChunkSize, uploader.chunkSize)
			assert.Equal(t, int64(77), result.NodeID)
			assert.Equal(t, "https://furvino.stackstorage.com/s/imp", result.URL)
			assert.Equal(t, 1, provider.streamsOpen)
			assert.Equal(t, tt.wantDownloaded, provider.downloaded)
			assert.Equal(t, tt.wantDownloaded, provider.cleaned)
		})
	}
}

func TestImport_SourceWithoutFileName(t *testing.T) {
	provider := &fakeProvider{}
	importer := NewImporter(provider, &fakeUploader{}, 0, log.NewLogger())

	_, err := importer.Import(context.Background(), "https://cdn.example.com/", nil)
	require.Error(t, err)
	assert.Zero(t, provider.streamsOpen)
}
