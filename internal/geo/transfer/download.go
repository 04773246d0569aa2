package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
	"gitlab.com/gitlab-org/geo/internal/safe"
)

// ErrDownloadFailed is the sentinel for an attempt that did not produce a
// file. The previous file, if any, is left untouched.
var ErrDownloadFailed = errors.New("download failed")

// Downloader pulls single files from the primary node into the local uploads
// tree. The response body is streamed into a temporary file created next to
// the target and promoted with an atomic rename, so a crashed or failed
// download never clobbers existing content.
type Downloader struct {
	log     logrus.FieldLogger
	client  *http.Client
	baseURL string
	signer  *signing.Signer
	root    string
}

// NewDownloader returns a Downloader fetching from the primary's base URL
// into root.
func NewDownloader(log logrus.FieldLogger, client *http.Client, baseURL string, signer *signing.Signer, root string) *Downloader {
	return &Downloader{
		log:     log.WithField("component", "transfer.Downloader"),
		client:  client,
		baseURL: baseURL,
		signer:  signer,
		root:    root,
	}
}

// TargetPath is where the file of the given type and ID lives under the
// local uploads root.
func (d *Downloader) TargetPath(fileType string, id int64) string {
	return filepath.Join(d.root, fileType, strconv.FormatInt(id, 10))
}

// Download fetches one file and returns the number of bytes written. On any
// expected failure it returns ErrDownloadFailed; the target path keeps its
// previous content.
func (d *Downloader) Download(ctx context.Context, fileType string, id int64) (int64, error) {
	logger := d.log.WithFields(logrus.Fields{"file_type": fileType, "file_id": id})

	target := d.TargetPath(fileType, id)
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		// Never replace a directory with a file.
		logger.WithField("path", target).Error("download target is a directory")
		return 0, ErrDownloadFailed
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create target directory: %w", err)
	}

	header, err := d.signer.Header(Request{ID: id, Type: fileType})
	if err != nil {
		return 0, fmt.Errorf("sign transfer request: %w", err)
	}

	url := fmt.Sprintf("%s/api/geo/transfers/%s/%d", d.baseURL, fileType, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Authorization", header)

	resp, err := d.client.Do(req)
	if err != nil {
		logger.WithError(err).Error("transfer request failed")
		return 0, ErrDownloadFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WithField("status", resp.StatusCode).Error("primary refused transfer")
		return 0, ErrDownloadFailed
	}

	writer, err := safe.NewFileWriter(target)
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}
	// Close is a no-op after a successful Commit; on every failure path it
	// removes the temporary file.
	defer writer.Close()

	n, err := io.Copy(writer, resp.Body)
	if err != nil {
		logger.WithError(err).Error("streaming transfer body failed")
		return 0, ErrDownloadFailed
	}

	if err := writer.Commit(); err != nil {
		return 0, fmt.Errorf("promote downloaded file: %w", err)
	}

	logger.WithField("bytes", n).Info("file downloaded")
	return n, nil
}
