package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Server validates decoded transfer requests against the local file index
// before any content leaves the node. Both factors must hold: the stored
// file must belong to the model named in the request, and when the request
// carries a checksum the content hash must match it. A secondary can
// therefore never fetch an unrelated file by guessing an ID.
type Server struct {
	log   logrus.FieldLogger
	index FileIndex
}

// NewServer returns a Server looking up files through index.
func NewServer(log logrus.FieldLogger, index FileIndex) *Server {
	return &Server{
		log:   log.WithField("component", "transfer.Server"),
		index: index,
	}
}

// Serve resolves the request to a stored file. Expected failures come back
// as a Result carrying the error kind, never as an error.
func (s *Server) Serve(ctx context.Context, req Request) (Result, error) {
	logger := s.log.WithFields(logrus.Fields{"file_type": req.Type, "file_id": req.ID})

	file, err := s.index.Lookup(ctx, req.Type, req.ID)
	if err == ErrFileNotFound {
		logger.Info("requested file is not stored here")
		return Result{Error: ErrorNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up stored file: %w", err)
	}

	if file.ID != req.ID || file.Type != req.Type {
		logger.Warn("stored file does not belong to the requested model")
		return Result{Error: ErrorForbidden}, nil
	}

	if req.Checksum != "" {
		checksum := file.SHA256
		if checksum == "" {
			if checksum, err = fileChecksum(file.Path); err != nil {
				if os.IsNotExist(err) {
					return Result{Error: ErrorNotFound}, nil
				}
				return Result{}, fmt.Errorf("checksum stored file: %w", err)
			}
		}

		if checksum != req.Checksum {
			logger.Warn("stored file checksum does not match the request")
			return Result{Error: ErrorForbidden}, nil
		}
	}

	if _, err := os.Stat(file.Path); err != nil {
		if os.IsNotExist(err) {
			return Result{Error: ErrorNotFound}, nil
		}
		return Result{}, fmt.Errorf("stat stored file: %w", err)
	}

	return Result{Path: file.Path, Size: file.Size}, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
