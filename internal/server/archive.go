package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/koustreak/callsql/internal/errs"
	"github.com/koustreak/callsql/internal/filestore"
)

// ArchiveRef points at an archived call response.
type ArchiveRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// archiveResult stores resp under a fresh key. A failed presign still
// returns the reference without a URL.
func (s *Server) archiveResult(ctx context.Context, resp CallResponse) (*ArchiveRef, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	info, err := s.archive.Put(ctx, filestore.NewKey(s.archivePrefix, time.Now()), body, filestore.ContentTypeJSON)
	if err != nil {
		return nil, err
	}

	ref := &ArchiveRef{Key: info.Key, Size: info.Size}
	if s.presignTTL > 0 {
		url, err := s.archive.PresignGetURL(ctx, info.Key, s.presignTTL)
		if err != nil {
			s.log.With().Err(err).Str("key", info.Key).Logger().Warn("failed to presign archive url")
			return ref, nil
		}
		ref.URL = url
	}
	return ref, nil
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "Result archiving is not configured", "ARCHIVE_DISABLED", nil)
		return
	}
	key := chi.URLParam(r, "*")
	if err := filestore.CheckKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid archive key", "INVALID_KEY", nil)
		return
	}

	obj, err := s.archive.Get(r.Context(), key)
	if err != nil {
		switch {
		case errs.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Archived result not found", "NOT_FOUND", nil)
		case errs.IsTimeout(err):
			writeError(w, http.StatusGatewayTimeout, "Archive timed out", "ARCHIVE_TIMEOUT", nil)
		default:
			s.log.With().Err(err).Str("key", key).Logger().Error("failed to read archive")
			writeError(w, http.StatusBadGateway, "Archive unavailable", "ARCHIVE_FAILED", nil)
		}
		return
	}
	defer obj.Close()

	info := obj.Info()
	contentType := info.ContentType
	if contentType == "" {
		contentType = filestore.ContentTypeJSON
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+info.ETag+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj); err != nil {
		s.log.With().Err(err).Str("key", key).Logger().Warn("archive stream interrupted")
	}
}
