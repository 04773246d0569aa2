package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// Upload identifies one uploaded file on the primary. Type is the transfer
// type used to address it on the wire (attachment, avatar, file).
type Upload struct {
	ID   int64
	Type string
}

// FileFetcher pulls one file from the primary into the local uploads tree.
// *transfer.Downloader implements it.
type FileFetcher interface {
	Download(ctx context.Context, fileType string, id int64) (int64, error)
	TargetPath(fileType string, id int64) string
}

type fileSyncer struct {
	fetcher FileFetcher
	upload  Upload
}

// NewFileSyncer returns the Syncer replicating one uploaded file. Files go
// through the same driver as repositories, so they share the registry
// bookkeeping and retry policy.
func NewFileSyncer(fetcher FileFetcher, upload Upload) Syncer {
	return &fileSyncer{fetcher: fetcher, upload: upload}
}

func (s *fileSyncer) Kind() datastore.Kind { return datastore.KindFile }

func (s *fileSyncer) EntityID() int64 { return s.upload.ID }

func (s *fileSyncer) LocalPath() string { return s.fetcher.TargetPath(s.upload.Type, s.upload.ID) }

func (s *fileSyncer) Fetch(ctx context.Context) error {
	_, err := s.fetcher.Download(ctx, s.upload.Type, s.upload.ID)
	return err
}

// FlushCache implements Syncer. Plain files have no derived local state.
func (s *fileSyncer) FlushCache(context.Context) error { return nil }

// FileLister finds uploads that need a sync attempt.
type FileLister interface {
	// Pending returns up to limit uploads that never synced successfully or
	// have a failed attempt on record. The driver decides per entity whether
	// its backoff window allows an attempt.
	Pending(ctx context.Context, limit int) ([]Upload, error)
}

// FDWFileLister lists pending uploads by joining the foreign data wrapper
// mirror of the application's uploads table against the local registry.
type FDWFileLister struct {
	db glsql.Querier
}

// NewFDWFileLister returns a FileLister over db.
func NewFDWFileLister(db glsql.Querier) *FDWFileLister {
	return &FDWFileLister{db: db}
}

// Pending implements FileLister.
func (l *FDWFileLister) Pending(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT u.id, u.uploader
		FROM gitlab_secondary.uploads AS u
		LEFT JOIN project_registry AS r ON r.entity_id = u.id AND r.kind = 'file'
		WHERE r.entity_id IS NULL
			OR r.last_successful_sync_at IS NULL
			OR r.retry_count IS NOT NULL
		ORDER BY u.id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending uploads: %w", err)
	}
	defer rows.Close()

	var scanned uploadProvider
	if err := glsql.ScanAll(rows, &scanned); err != nil {
		return nil, fmt.Errorf("scan pending uploads: %w", err)
	}

	return scanned.Uploads(), nil
}

// uploadProvider accumulates (id, uploader) rows for glsql.ScanAll.
type uploadProvider []*Upload

// To implements glsql.DestProvider.
func (p *uploadProvider) To() []interface{} {
	u := &Upload{}
	*p = append(*p, u)
	return []interface{}{&u.ID, &u.Type}
}

// Uploads returns the scanned rows with the uploader class name reduced to
// the transfer type (AttachmentUploader becomes attachment).
func (p *uploadProvider) Uploads() []Upload {
	uploads := make([]Upload, 0, len(*p))
	for _, u := range *p {
		uploads = append(uploads, Upload{ID: u.ID, Type: transferType(u.Type)})
	}
	return uploads
}

func transferType(uploader string) string {
	return strings.ToLower(strings.TrimSuffix(uploader, "Uploader"))
}

// MemoryFileLister serves a static upload list for tests and single-node
// setups without a database.
type MemoryFileLister struct {
	Uploads []Upload
}

// Pending implements FileLister.
func (l *MemoryFileLister) Pending(_ context.Context, limit int) ([]Upload, error) {
	if limit > len(l.Uploads) {
		limit = len(l.Uploads)
	}
	return l.Uploads[:limit], nil
}

// FileSweeper periodically walks the pending uploads and drives one sync
// attempt for each. Attempt outcomes land in the registry like repository
// syncs; the sweep itself only fails on infrastructure errors.
type FileSweeper struct {
	log     logrus.FieldLogger
	driver  *Driver
	fetcher FileFetcher
	lister  FileLister
	batch   int
}

// NewFileSweeper wires a FileSweeper popping up to batch uploads per pass.
func NewFileSweeper(log logrus.FieldLogger, driver *Driver, fetcher FileFetcher, lister FileLister, batch int) *FileSweeper {
	return &FileSweeper{
		log:     log.WithField("component", "sync.FileSweeper"),
		driver:  driver,
		fetcher: fetcher,
		lister:  lister,
		batch:   batch,
	}
}

// Run sweeps once per tick until ctx is done.
func (s *FileSweeper) Run(ctx context.Context, ticker helper.Ticker) error {
	defer ticker.Stop()
	ticker.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := s.Sweep(ctx); err != nil {
				s.log.WithError(err).Error("file sweep failed")
			}
			ticker.Reset()
		}
	}
}

// Sweep runs one pass over the pending uploads.
func (s *FileSweeper) Sweep(ctx context.Context) error {
	uploads, err := s.lister.Pending(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("list pending uploads: %w", err)
	}

	for _, upload := range uploads {
		if err := s.driver.Run(ctx, NewFileSyncer(s.fetcher, upload)); err != nil {
			return err
		}
	}

	return nil
}
