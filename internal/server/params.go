package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/paging"
)

func pathID(r *http.Request, name string) (int64, error) {
	return catalog.ParseID(chi.URLParam(r, name))
}

// queryFlag reads a boolean query parameter. Any non-empty value other
// than a false literal counts as set.
func queryFlag(r *http.Request, name string) bool {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

// pageRequest reads limit, position and context. Lists are counted unless
// count=false is passed.
func (s *Server) pageRequest(r *http.Request) (paging.Request, error) {
	q := r.URL.Query()
	req := paging.Request{
		Cursor:  q.Get("position"),
		Context: queryFlag(r, "context"),
		Count:   true,
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("invalid limit %q", v)
		}
		req.Limit = n
	}
	if v := strings.TrimSpace(q.Get("count")); v != "" {
		req.Count = queryFlag(r, "count")
	}
	return req.Clamp(s.pageSize, s.maxPage), nil
}

func writePage[R any](w http.ResponseWriter, noun string, page paging.Page[R]) {
	resp := response{
		Status:      http.StatusOK,
		Results:     page.Items,
		NextCursor:  page.NextCursor,
		MoreResults: page.More,
	}
	if page.Counted {
		total := page.Total
		resp.Count = &total
		resp.Message = fmt.Sprintf("%d %s found", total, noun)
	}
	if len(page.Items) == 0 {
		resp.Results = []R{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func countOf(n int) *int { return &n }
