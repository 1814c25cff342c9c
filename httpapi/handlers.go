package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"domalend/indexer"
	"domalend/store"
)

// URL slugs accepted by /api/loans/{kind}.
var kindSlugs = map[string]store.Kind{
	"created":    store.KindLoanCreated,
	"accepted":   store.KindLoanAccepted,
	"repaid":     store.KindLoanRepaid,
	"liquidated": store.KindLoanLiquidated,
	"cancelled":  store.KindLoanOfferCancelled,
	"removed":    store.KindLoanOfferRemoved,
}

type healthResponse struct {
	Status  string        `json:"status"`
	Indexer healthIndexer `json:"indexer"`
	TS      string        `json:"ts"`
}

type healthIndexer struct {
	store.Status
	indexer.Health
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		TS:     time.Now().UTC().Format(time.RFC3339),
	}
	resp.Indexer.Status = s.store.Status()
	if s.health != nil {
		resp.Indexer.Health = s.health.Health()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoansByKind(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "kind")
	kind, ok := kindSlugs[slug]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown loan event kind "+slug)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.List(kind, opts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{kind.CollectionKey(): records})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocolStats_collection": []store.ProtocolStats{s.store.Stats()},
	})
}

// handleLoansAll returns every kind's first page under its canonical key,
// plus the aggregate stats.
func (s *Server) handleLoansAll(w http.ResponseWriter, r *http.Request) {
	payload := make(map[string]interface{}, len(store.Kinds())+1)
	for _, kind := range store.Kinds() {
		records, err := s.store.List(kind, store.ListOptions{})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload[kind.CollectionKey()] = records
	}
	payload["protocolStats_collection"] = []store.ProtocolStats{s.store.Stats()}
	s.writeJSON(w, http.StatusOK, payload)
}

func listOptionsFromQuery(r *http.Request) (store.ListOptions, error) {
	var opts store.ListOptions
	q := r.URL.Query()
	var err error
	if opts.First, err = intParam(q.Get("first")); err != nil {
		return opts, err
	}
	if opts.Skip, err = intParam(q.Get("skip")); err != nil {
		return opts, err
	}
	opts.OrderBy = q.Get("orderBy")
	opts.OrderDirection = q.Get("orderDirection")
	return opts, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer parameter %q", raw)
	}
	return v, nil
}
