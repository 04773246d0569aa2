package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
)

func TestDownloaderDownload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/geo/transfers/attachment/42", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), signing.TokenType+" key:"))

		w.Write([]byte("file content"))
	}))
	defer server.Close()

	signer := signing.NewSigner("key", "secret", time.Minute)
	downloader := NewDownloader(logrus.New(), server.Client(), server.URL, signer, root)

	n, err := downloader.Download(ctx, "attachment", 42)
	require.NoError(t, err)
	require.Equal(t, int64(len("file content")), n)

	content, err := os.ReadFile(filepath.Join(root, "attachment", "42"))
	require.NoError(t, err)
	require.Equal(t, "file content", string(content))
}

func TestDownloaderKeepsOldFileOnFailure(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	target := filepath.Join(root, "attachment", "42")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("previous content"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	signer := signing.NewSigner("key", "secret", time.Minute)
	downloader := NewDownloader(logrus.New(), server.Client(), server.URL, signer, root)

	_, err := downloader.Download(ctx, "attachment", 42)
	require.ErrorIs(t, err, ErrDownloadFailed)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "previous content", string(content), "a refused transfer leaves the old file intact")

	// No temporary files may linger next to the target.
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownloaderRefusesDirectoryTarget(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "attachment", "42"), 0o755))

	signer := signing.NewSigner("key", "secret", time.Minute)
	downloader := NewDownloader(logrus.New(), http.DefaultClient, "http://unreachable.invalid", signer, root)

	_, err := downloader.Download(ctx, "attachment", 42)
	require.ErrorIs(t, err, ErrDownloadFailed)
}
