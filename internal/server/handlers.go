package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/callsql/internal/callable"
	"github.com/koustreak/callsql/internal/errs"
)

const healthTimeout = 2 * time.Second

// CallResponse is the body of a successful call. Result is null when the call
// produced neither a result set nor an output.
type CallResponse struct {
	Result  *callable.ResultSet `json:"result"`
	Archive *ArchiveRef         `json:"archive,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "Database connection unavailable", "DB_UNAVAILABLE", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer r.Body.Close()

	var spec callable.CallSpec
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_JSON", nil)
		return
	}
	if err := ensureEOF(dec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_JSON", nil)
		return
	}
	if strings.TrimSpace(spec.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required", "SQL_REQUIRED", nil)
		return
	}
	archive := r.URL.Query().Get("archive") == "true"
	if archive && s.archive == nil {
		writeError(w, http.StatusBadRequest, "Result archiving is not configured", "ARCHIVE_DISABLED", nil)
		return
	}
	for i, v := range spec.In {
		spec.In[i] = normalizeParamValue(v)
	}

	log := s.log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("sql", spec.SQL).
		Logger()

	conn, err := s.db.Acquire(r.Context())
	if err != nil {
		log.With().Err(err).Logger().Warn("failed to acquire connection")
		if errs.IsTimeout(err) {
			writeError(w, http.StatusGatewayTimeout, "Timed out waiting for a connection", "DB_TIMEOUT", nil)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "Database connection unavailable", "DB_UNAVAILABLE", nil)
		return
	}
	defer conn.Release()

	rs, err := s.exec.Execute(r.Context(), conn, spec)
	if err != nil {
		log.With().Err(err).Logger().Warn("call failed")
		if errs.IsTimeout(err) {
			writeError(w, http.StatusGatewayTimeout, "Call timed out", "CALL_TIMEOUT", nil)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "CALL_FAILED", map[string]any{
			"kind": errs.CauseKind(err).String(),
		})
		return
	}

	resp := CallResponse{Result: rs}
	if archive {
		ref, err := s.archiveResult(r.Context(), resp)
		if err != nil {
			// the call already ran, so the result is still returned
			log.With().Err(err).Logger().Error("failed to archive result")
		}
		resp.Archive = ref
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "Database connection unavailable", "DB_UNAVAILABLE", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.With().Err(err).Logger().Warn("health check failed")
		writeError(w, http.StatusServiceUnavailable, "Database unreachable", "DB_UNAVAILABLE", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ensureEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("extra data")
}

// normalizeParamValue turns JSON numbers into int64 when they are whole and
// float64 otherwise, so drivers see native Go numbers.
func normalizeParamValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
