package fileprovider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPath_FileScheme(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "game.zip")
	require.NoError(t, os.WriteFile(pth, []byte("zip"), 0o644))

	provider := NewFileProvider(log.NewLogger())
	src := "file://" + pth

	got, err := provider.LocalPath(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, pth, got)

	require.NoError(t, provider.Cleanup(src, got))
	_, err = os.Stat(pth)
	require.NoError(t, err, "local files are never removed")

	rc, size, err := provider.Contents(context.Background(), src)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(3), size)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "zip", string(content))
}

func TestLocalPath_Download(t *testing.T) {
	payload := bytes.Repeat([]byte("furvino"), 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "Game.zip", time.Unix(0, 0), bytes.NewReader(payload))
	}))
	defer server.Close()

	provider := NewFileProvider(log.NewLogger())
	src := server.URL + "/builds/Game.zip"

	local, err := provider.LocalPath(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "Game.zip", filepath.Base(local))

	content, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	require.NoError(t, provider.Cleanup(src, local))
	_, err = os.Stat(filepath.Dir(local))
	assert.True(t, os.IsNotExist(err))
}

func TestContents_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote"))
	}))
	defer server.Close()

	provider := NewFileProvider(log.NewLogger())

	rc, size, err := provider.Contents(context.Background(), server.URL+"/a.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "remote", string(content))

	_, _, err = provider.Contents(context.Background(), server.URL+"/missing.zip")
	require.Error(t, err)
}

func TestUnsupportedSources(t *testing.T) {
	provider := NewFileProvider(log.NewLogger())

	for _, src := range []string{"ftp://example.com/a.zip", "/plain/path.zip", "https://example.com/"} {
		_, err := provider.LocalPath(context.Background(), src)
		assert.Error(t, err, src)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		src     string
		want    string
		wantErr bool
	}{
		{src: "file:///tmp/builds/Game.zip", want: "Game.zip"},
		{src: "https://cdn.example.com/builds/Game%20Setup.exe?sig=1", want: "Game Setup.exe"},
		{src: "https://cdn.example.com/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			name, err := FileName(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}
