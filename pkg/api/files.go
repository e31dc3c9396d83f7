package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/blobstore"
	"github.com/ckoval7/challengectl/pkg/metrics"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/go-chi/chi/v5"
)

// maxUploadBytes caps admin file uploads.
const maxUploadBytes = 512 << 20

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Kind != auth.KindRunner && p.Kind != auth.KindAdmin {
		s.writeError(w, r, auth.ErrAuthFailed)
		return
	}
	digest := chi.URLParam(r, "digest")

	rc, err := s.blobs.Open(digest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	mime := "application/octet-stream"
	var meta *types.FileMeta
	if err := s.store.View(func(tx storage.Tx) error {
		m, err := tx.GetFile(digest)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		meta = m
		return nil
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if meta != nil && meta.MimeType != "" {
		mime = meta.MimeType
	}

	w.Header().Set("Content-Type", mime)
	if meta != nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))
	}
	n, err := io.Copy(w, rc)
	metrics.FileBytesServed.Add(float64(n))
	if err != nil {
		// Headers are gone; all we can do is log.
		s.logger.Warn().Err(err).Str("digest", digest).Msg("Blob stream interrupted")
	}
}

type filePutResponse struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	defer file.Close()

	digest, size, err := s.blobs.Put(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	err = s.store.Update(func(tx storage.Tx) error {
		return tx.PutFile(&types.FileMeta{
			Digest:    digest,
			Filename:  header.Filename,
			Size:      size,
			MimeType:  mime,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, filePutResponse{Digest: digest, Size: size})
}

// VerifyBlob re-checks a stored blob, escalating corruption as fatal.
func (s *Server) VerifyBlob(digest string) error {
	if err := s.blobs.Verify(digest); err != nil {
		if errors.Is(err, blobstore.ErrCorrupt) {
			s.logger.Error().Str("digest", digest).Msg("FATAL: stored blob no longer matches its digest")
		}
		return err
	}
	return nil
}
