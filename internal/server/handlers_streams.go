package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/streams"
)

// streamName reads the stream name path parameter. chi matches on the
// escaped path when one is set, so the value may still be escaped.
func streamName(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

type streamsBody struct {
	Streams []string `json:"streams"`
}

func (s *Server) handleAddStreams(w http.ResponseWriter, r *http.Request) {
	var body streamsBody
	if !decodeValid(w, r, streamsSchema, &body) {
		return
	}
	res, err := s.Streams.Add(r.Context(), principalFromContext(r.Context()).User, body.Streams)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "streams.add", res)
	writeResults(w, fmt.Sprintf("added %d streams", res.Len(bulk.Added)), res)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	page, err := s.Streams.List(r.Context(), principalFromContext(r.Context()).User, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writePage(w, "streams", page)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	name := streamName(r)
	entry, err := s.Streams.Get(r.Context(), principalFromContext(r.Context()).User, name, queryFlag(r, "context"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream %s not found", name), "NOT_FOUND")
		return
	}
	writeResults(w, fmt.Sprintf("stream %s found", name), entry)
}

func (s *Server) handleRefreshStream(w http.ResponseWriter, r *http.Request) {
	name := streamName(r)
	st, err := s.Streams.Refresh(r.Context(), principalFromContext(r.Context()).User, name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream %s not found", name), "NOT_FOUND")
		return
	}
	writeResults(w, fmt.Sprintf("stream %s updated", name), st)
}

func (s *Server) handleUpdateStreams(w http.ResponseWriter, r *http.Request) {
	var changes []streams.Change
	if !decodeValid(w, r, streamUpdateSchema, &changes) {
		return
	}
	res, err := s.Streams.Update(r.Context(), principalFromContext(r.Context()).User, changes)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "streams.update", res)
	msg := "no changes"
	if n := res.Len(bulk.Updated); n > 0 {
		msg = fmt.Sprintf("%d stream changes", n)
	}
	writeResults(w, msg, res)
}

// handleAssignStream files pulls under the named stream.
func (s *Server) handleAssignStream(w http.ResponseWriter, r *http.Request) {
	var body issuesBody
	if !decodeValid(w, r, issuesSchema, &body) {
		return
	}
	res, err := s.Streams.Assign(r.Context(), principalFromContext(r.Context()).User, streamName(r), body.Issues)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "streams.assign", res)
	writeResults(w, fmt.Sprintf("filed %d pulls", res.Len(bulk.Updated)), res)
}
