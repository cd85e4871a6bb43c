package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/pulls"
)

type issuesBody struct {
	Issues []any `json:"issues"`
}

func (s *Server) handleAddPulls(w http.ResponseWriter, r *http.Request) {
	var body issuesBody
	if !decodeValid(w, r, issuesSchema, &body) {
		return
	}
	res, err := s.Ledger.Add(r.Context(), principalFromContext(r.Context()).User, body.Issues)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "pulls.add", res)
	writeResults(w, fmt.Sprintf("added %d pulls", res.Len(bulk.Added)), res)
}

func (s *Server) handleFetchPulls(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []any `json:"ids"`
	}
	if !decodeValid(w, r, idsSchema, &body) {
		return
	}
	found, err := s.Ledger.Fetch(r.Context(), principalFromContext(r.Context()).User, body.IDs)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if len(found) == 0 {
		writeError(w, http.StatusNotFound, "no pulls found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, response{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("found %d pulls", len(found)),
		Results: found,
		Count:   countOf(len(found)),
	})
}

func (s *Server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	e, err := s.Ledger.Get(r.Context(), principalFromContext(r.Context()).User, id, queryFlag(r, "context"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pull of issue %d", id), "NOT_FOUND")
		return
	}
	writeResults(w, "pull found", e)
}

func (s *Server) handleRefreshPull(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	p, changed, err := s.Ledger.Refresh(r.Context(), principalFromContext(r.Context()).User, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pull of issue %d", id), "NOT_FOUND")
		return
	}
	resp := response{Status: http.StatusOK, Message: "pull unchanged", Results: p, Count: countOf(0)}
	if changed {
		resp.Message, resp.Count = "pull refreshed", countOf(1)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pullListOptions(r *http.Request) (pulls.ListOptions, error) {
	kind, err := pulls.ParseListKind(chi.URLParam(r, "type"))
	if err != nil {
		return pulls.ListOptions{}, err
	}
	req, err := s.pageRequest(r)
	if err != nil {
		return pulls.ListOptions{}, err
	}
	return pulls.ListOptions{
		Kind:     kind,
		All:      queryFlag(r, "all"),
		Weighted: queryFlag(r, "weighted"),
		Reverse:  queryFlag(r, "reverse"),
		Request:  req,
	}, nil
}

func (s *Server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	opts, err := s.pullListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	page, err := s.Ledger.List(r.Context(), principalFromContext(r.Context()).User, opts)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writePage(w, "pulls", page)
}

func (s *Server) handleRemovePulls(w http.ResponseWriter, r *http.Request) {
	var body issuesBody
	if !decodeValid(w, r, issuesSchema, &body) {
		return
	}
	res, err := s.Ledger.Remove(r.Context(), principalFromContext(r.Context()).User, body.Issues)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "pulls.remove", res)
	writeResults(w, fmt.Sprintf("removed %d pulls", res.Len(bulk.Removed)), res)
}

func (s *Server) handlePullStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Ledger.Stats(r.Context(), principalFromContext(r.Context()).User)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeResults(w, "pull counts", counts)
}

func (s *Server) handleUpdatePulls(w http.ResponseWriter, r *http.Request) {
	var body map[string][]any
	if !decodeValid(w, r, updateSchema, &body) {
		return
	}
	req, err := pulls.ParseRequest(body)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	res, err := s.Ledger.Update(r.Context(), principalFromContext(r.Context()).User, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "pulls.update", res)
	writeResults(w, fmt.Sprintf("updated %d pulls", res.Len(bulk.Updated)), res)
}

func (s *Server) handleWeighPulls(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Weights map[string]float64 `json:"weights"`
	}
	if !decodeValid(w, r, weighSchema, &body) {
		return
	}
	res, err := s.Ledger.Weigh(r.Context(), principalFromContext(r.Context()).User, body.Weights)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "pulls.weigh", res)
	writeResults(w, fmt.Sprintf("weighed %d pulls", res.Len(bulk.Updated)), res)
}

func (s *Server) handleNewIssues(w http.ResponseWriter, r *http.Request) {
	found, err := s.Resolver.Resolve(r.Context(), principalFromContext(r.Context()).User)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	resp := response{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("%d new issues", len(found)),
		Results: found,
		Count:   countOf(len(found)),
	}
	if found == nil {
		resp.Results = []any{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	res, err := s.Resolver.Materialize(r.Context(), principalFromContext(r.Context()).User)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "pulls.materialize", res)
	writeResults(w, fmt.Sprintf("added %d pulls", res.Len(bulk.Added)), res)
}
