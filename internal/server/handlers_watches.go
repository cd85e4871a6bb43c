package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/subscriptions"
)

type selectionBody struct {
	subscriptions.Selection
	StartDate string `json:"start_date"`
}

func (b selectionBody) start() (time.Time, error) {
	if strings.TrimSpace(b.StartDate) == "" {
		return time.Time{}, nil
	}
	return catalog.ParseDate(b.StartDate)
}

func (s *Server) addWatches(w http.ResponseWriter, r *http.Request, op string, body selectionBody) {
	start, err := body.start()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	res, err := s.Registry.Add(r.Context(), principalFromContext(r.Context()).User, body.Selection, start)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, op, res)
	writeResults(w, fmt.Sprintf("added %d subscriptions", res.Len(bulk.Added)), res)
}

func (s *Server) updateWatches(w http.ResponseWriter, r *http.Request, op string, sched subscriptions.Schedule) {
	res, err := s.Registry.Update(r.Context(), principalFromContext(r.Context()).User, sched)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, op, res)
	writeResults(w, fmt.Sprintf("updated %d subscriptions", res.Len(bulk.Updated)), res)
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request, kind subscriptions.CollectionKind) {
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	page, err := s.Registry.List(r.Context(), principalFromContext(r.Context()).User, subscriptions.ListOptions{Kind: kind, Request: req})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writePage(w, "subscriptions", page)
}

func (s *Server) handleAddWatches(w http.ResponseWriter, r *http.Request) {
	var body selectionBody
	if !decodeValid(w, r, selectionSchema, &body) {
		return
	}
	s.addWatches(w, r, "watches.add", body)
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	kind := subscriptions.CollectionKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "", subscriptions.KindVolume, subscriptions.KindArc:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown collection kind %q", kind), "INVALID_ARGUMENT")
		return
	}
	s.listWatches(w, r, kind)
}

// handleWatchPulls lists the pulls of one watched collection.
func (s *Server) handleWatchPulls(w http.ResponseWriter, r *http.Request) {
	ref, err := subscriptions.ParseCollectionRef(chi.URLParam(r, "ref"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	opts, err := s.pullListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
		return
	}
	opts.Collection = &ref
	page, err := s.Ledger.List(r.Context(), principalFromContext(r.Context()).User, opts)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writePage(w, "pulls", page)
}

func (s *Server) handleRemoveWatches(w http.ResponseWriter, r *http.Request) {
	var body subscriptions.Selection
	if !decodeValid(w, r, selectionSchema, &body) {
		return
	}
	res, err := s.Registry.Remove(r.Context(), principalFromContext(r.Context()).User, body)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.record(r, "watches.remove", res)
	writeResults(w, fmt.Sprintf("removed %d subscriptions", res.Len(bulk.Removed)), res)
}

func (s *Server) handleUpdateWatches(w http.ResponseWriter, r *http.Request) {
	var body subscriptions.Schedule
	if !decodeValid(w, r, scheduleSchema, &body) {
		return
	}
	s.updateWatches(w, r, "watches.update", body)
}

func (s *Server) handleAddSubscriptions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Volumes   []any  `json:"volumes"`
		StartDate string `json:"start_date"`
	}
	if !decodeValid(w, r, legacyAddSchema, &body) {
		return
	}
	s.addWatches(w, r, "subscriptions.add", selectionBody{
		Selection: subscriptions.Selection{Volumes: body.Volumes},
		StartDate: body.StartDate,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.listWatches(w, r, subscriptions.KindVolume)
}

func (s *Server) handleUpdateSubscriptions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Volumes map[string]string `json:"volumes"`
	}
	if !decodeValid(w, r, legacyUpdateSchema, &body) {
		return
	}
	s.updateWatches(w, r, "subscriptions.update", subscriptions.Schedule{Volumes: body.Volumes})
}
