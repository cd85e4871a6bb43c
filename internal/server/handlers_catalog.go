package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/journal"
)

// after reads the optional "after" date filter of an issue listing.
func after(r *http.Request) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get("after"))
	if v == "" {
		return time.Time{}, nil
	}
	return catalog.ParseDate(v)
}

func issuesResponse(w http.ResponseWriter, issues []*catalog.Issue) {
	if issues == nil {
		issues = []*catalog.Issue{}
	}
	writeJSON(w, http.StatusOK, response{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("%d issues found", len(issues)),
		Results: issues,
		Count:   countOf(len(issues)),
	})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	issue, err := s.Catalog.Issue(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("issue %d not found", id), "NOT_FOUND")
		return
	}
	writeResults(w, "issue found", issue)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	list, err := catalog.ParseVolumeList(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	page, err := s.Catalog.ListVolumes(r.Context(), list, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writePage(w, "volumes", page)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	v, err := s.Catalog.Volume(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("volume %d not found", id), "NOT_FOUND")
		return
	}
	writeResults(w, "volume found", v)
}

func (s *Server) handleVolumeIssues(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	since, err := after(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	issues, err := s.Catalog.VolumeIssues(r.Context(), id, since)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	issuesResponse(w, issues)
}

func (s *Server) handleQueueVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	ok, err := s.Catalog.Queue(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("volume %d not found", id), "NOT_FOUND")
		return
	}
	writeResults(w, fmt.Sprintf("volume %d queued", id), nil)
}

func (s *Server) handleVolumeStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Catalog.VolumeStats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeResults(w, "volume counts", st)
}

func (s *Server) handleGetArc(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	a, err := s.Catalog.StoryArc(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("arc %d not found", id), "NOT_FOUND")
		return
	}
	writeResults(w, "arc found", a)
}

func (s *Server) handleArcIssues(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	since, err := after(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	issues, err := s.Catalog.ArcIssues(r.Context(), id, since)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	issuesResponse(w, issues)
}

func (s *Server) handleArcStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Catalog.ArcStats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeResults(w, "arc counts", st)
}

// handleSeedCatalog loads a YAML catalog fixture from the request body.
func (s *Server) handleSeedCatalog(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	f, err := catalog.ParseFixture(http.MaxBytesReader(w, r.Body, 16*maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FIXTURE")
		return
	}
	loaded, err := s.Catalog.Load(r.Context(), f)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	slog.Info("catalog seeded", "publishers", loaded.Publishers, "volumes", loaded.Volumes,
		"issues", loaded.Issues, "arcs", loaded.Arcs)
	writeResults(w, "catalog loaded", loaded)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusNotFound, "activity journal disabled", "NOT_FOUND")
		return
	}
	user := principalFromContext(r.Context()).User
	if user == "" {
		writeError(w, http.StatusUnauthorized, "no user identity", "UNAUTHORIZED")
		return
	}
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	entries, err := s.Journal.Recent(r.Context(), user, req.Limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, response{
		Status:  http.StatusOK,
		Results: entries,
		Count:   countOf(len(entries)),
	})
}
