package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/opstat/opstat/internal/auth"
	"github.com/opstat/opstat/internal/service"
	"github.com/opstat/opstat/internal/store"
)

// statRow is the JSON shape of one statistics row. Reads and Writes are
// block counts and are null on platforms without block accounting; the
// byte fields scale them by the kernel block size.
type statRow struct {
	Principal  uint32   `json:"principal"`
	Database   uint32   `json:"database"`
	Operation  uint64   `json:"operation"`
	Calls      int64    `json:"calls"`
	Reads      *int64   `json:"reads"`
	Writes     *int64   `json:"writes"`
	ReadBytes  *int64   `json:"read_bytes"`
	WriteBytes *int64   `json:"write_bytes"`
	UserTime   float64  `json:"user_time"`
	SystemTime float64  `json:"system_time"`
}

func (s *Server) toStatRows(rows []store.Row) []statRow {
	ioValid := s.svc.IOSupported()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Identity, rows[j].Identity
		if a.Principal != b.Principal {
			return a.Principal < b.Principal
		}
		if a.Database != b.Database {
			return a.Database < b.Database
		}
		return a.Operation < b.Operation
	})

	out := make([]statRow, 0, len(rows))
	for _, r := range rows {
		sr := statRow{
			Principal:  r.Principal,
			Database:   r.Database,
			Operation:  r.Operation,
			Calls:      r.Calls,
			UserTime:   r.UserTime,
			SystemTime: r.SystemTime,
		}
		if ioValid {
			reads, writes := r.Reads, r.Writes
			readBytes := reads * store.BlockSize
			writeBytes := writes * store.BlockSize
			sr.Reads, sr.Writes = &reads, &writes
			sr.ReadBytes, sr.WriteBytes = &readBytes, &writeBytes
		}
		out = append(out, sr)
	}
	return out
}

// --- Statistics ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Enumerate()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if expr := r.URL.Query().Get("filter"); expr != "" {
		f, err := s.filters.Compile(expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if rows, err = s.filters.Apply(f, rows); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, map[string]interface{}{
		"stats": s.toStatRows(rows),
		"total": len(rows),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetAll(requestRole(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "reset"})
}

// --- Archive ---

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "generation archive is disabled")
		return
	}

	gens, err := s.archive.ListGenerations(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"generations": gens,
		"total":       len(gens),
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "generation archive is disabled")
		return
	}

	id := r.PathValue("id")
	entries, err := s.archive.Entries(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "generation not found or empty")
		return
	}
	writeJSON(w, map[string]interface{}{
		"generation_id": id,
		"entries":       s.toStatRows(entries),
	})
}

// --- Tokens ---

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if s.tokenManager == nil {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	role := auth.Role(req.Role)
	switch role {
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	default:
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	token, err := s.tokenManager.CreateToken(role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"token":      token,
		"secret":     token.Secret,
		"expires_at": token.ExpiresAt,
	})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":        "ok",
		"initialized":   s.svc.Initialized(),
		"io_accounting": s.svc.IOSupported(),
	})
}

// --- Helpers ---

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// streamPayload builds one websocket frame's worth of current rows.
// Returns nil when the service is stopped, which skips the broadcast.
func (s *Server) streamPayload() interface{} {
	rows, err := s.svc.Enumerate()
	if err != nil {
		return nil
	}
	return s.toStatRows(rows)
}
