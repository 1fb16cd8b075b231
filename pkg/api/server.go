/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/motionlake/motionlaked/pkg/blob"
	"github.com/motionlake/motionlaked/pkg/engine"
)

// Server is the HTTP front end, a thin adapter over *engine.Engine
// (spec.md §6).
type Server struct {
	eng *engine.Engine
	log zerolog.Logger
}

// NewServer builds a Server and its gorilla/mux router.
func NewServer(eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{eng: eng, log: log.With().Str("component", "api").Logger()}
}

// Router builds the route table spec.md §6 names verbatim, plus
// /metrics for Prometheus scraping.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/collections/", s.handleListCollections).Methods(http.MethodGet)
	r.HandleFunc("/query/{name}", s.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/collection/", s.handleCreateCollection).Methods(http.MethodPost)
	r.HandleFunc("/flush/{name}", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/store/{name}/", s.handleStore).Methods(http.MethodPost)
	r.HandleFunc("/advanced/{name}/", s.handleAdvancedQuery).Methods(http.MethodPost)
	r.HandleFunc("/delete/{name}", s.handleDeleteCollection).Methods(http.MethodDelete)
	r.HandleFunc("/size/{name}", s.handleSize).Methods(http.MethodGet)
	r.HandleFunc("/describe/{name}", s.handleDescribeCollection).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// writeErr maps a DomainError/Invariant/other error to spec.md §7's HTTP
// 400 contract, logging anything unexpected at ERROR level (Invariant
// faults are caller mistakes, never logged as errors).
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, blob.ErrInvalidKey) {
		err = engine.NewInvariant(err.Error())
	}
	switch e := err.(type) {
	case *engine.DomainError:
		s.log.Warn().Err(err).Msg("domain error")
		badRequest(w, e.Error())
	case *engine.Invariant:
		badRequest(w, e.Error())
	default:
		s.log.Error().Err(err).Msg("unexpected error")
		badRequest(w, err.Error())
	}
}

type collectionSummaryBody struct {
	Name         string `json:"name"`
	MinTimestamp *int64 `json:"min_timestamp"`
	MaxTimestamp *int64 `json:"max_timestamp"`
	Count        int64  `json:"count"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.eng.ListCollections(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]collectionSummaryBody, len(summaries))
	for i, sum := range summaries {
		out[i] = collectionSummaryBody{Name: sum.Name, MinTimestamp: sum.MinTimestamp, MaxTimestamp: sum.MaxTimestamp, Count: sum.Count}
	}
	ok(w, out)
}

type queryRowBody struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type queryResultsBody struct {
	Results []queryRowBody `json:"results"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q := r.URL.Query()

	minTS, err := parseIntParam(q, "min_timestamp", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	maxTS, err := parseIntParam(q, "max_timestamp", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := parseIntParam(q, "limit", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, err := parseIntParam(q, "offset", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ascending := q.Get("ascending") != "false"
	skipData := q.Get("skip_data") == "true"

	rows, err := s.eng.Query(r.Context(), name, minTS, maxTS, ascending, int(limit), int(offset), skipData)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	results := make([]queryRowBody, len(rows))
	for i, row := range rows {
		data := ""
		if row.Data != nil {
			data = hex.EncodeToString(row.Data)
		}
		results[i] = queryRowBody{Data: data, Timestamp: row.Timestamp}
	}
	ok(w, queryResultsBody{Results: results})
}

type createCollectionBody struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var body createCollectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.eng.CreateCollection(r.Context(), body.Name); err != nil {
		s.writeErr(w, err)
		return
	}
	okMessage(w, "collection created")
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.eng.Flush(r.Context(), name); err != nil {
		s.writeErr(w, err)
		return
	}
	okMessage(w, "flush complete")
}

type storeMetadata struct {
	Timestamp        int64 `json:"timestamp"`
	ContentType      *int  `json:"content_type"`
	CreateCollection bool  `json:"create_collection"`
}

// handleStore parses the wire body "json-metadata\n<raw-bytes>" (spec.md
// §6) and forwards the split payload to Engine.Store.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "could not read request body: "+err.Error())
		return
	}

	idx := bytes.IndexByte(body, '\n')
	if idx < 0 {
		badRequest(w, "body must be \"json-metadata\\n<raw-bytes>\"")
		return
	}
	var meta storeMetadata
	if err := json.Unmarshal(body[:idx], &meta); err != nil {
		badRequest(w, "invalid metadata JSON: "+err.Error())
		return
	}
	payload := body[idx+1:]

	contentType := 1 // RAW
	if meta.ContentType != nil {
		contentType = *meta.ContentType
	}

	if err := s.eng.Store(r.Context(), name, meta.Timestamp, payload, contentType, meta.CreateCollection); err != nil {
		s.writeErr(w, err)
		return
	}
	okMessage(w, "stored")
}

type advancedQueryBody struct {
	MinTimestamp int64  `json:"min_timestamp"`
	MaxTimestamp int64  `json:"max_timestamp"`
	Query        string `json:"query"`
}

type advancedQueryResultsBody struct {
	Results []map[string]any `json:"results"`
}

func (s *Server) handleAdvancedQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body advancedQueryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	rows, err := s.eng.AdvancedQuery(r.Context(), name, body.Query, body.MinTimestamp, body.MaxTimestamp)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ok(w, advancedQueryResultsBody{Results: rows})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.eng.DeleteCollection(r.Context(), name); err != nil {
		s.writeErr(w, err)
		return
	}
	okMessage(w, "deleted")
}

type sizeBody struct {
	Size int64 `json:"size"`
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	size, err := s.eng.Size(r.Context(), name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ok(w, sizeBody{Size: size})
}

type describeCollectionBody struct {
	Name          string `json:"name"`
	LastHash      string `json:"last_hash"`
	FragmentCount int64  `json:"fragment_count"`
	BufferedCount int64  `json:"buffered_count"`
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
}

func (s *Server) handleDescribeCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	desc, err := s.eng.DescribeCollection(r.Context(), name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ok(w, describeCollectionBody{
		Name:          desc.Name,
		LastHash:      desc.LastHash,
		FragmentCount: desc.FragmentCount,
		BufferedCount: desc.BufferedCount,
		CacheHits:     desc.CacheHits,
		CacheMisses:   desc.CacheMisses,
	})
}

func parseIntParam(q map[string][]string, key string, def int64) (int64, error) {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def, nil
	}
	return strconv.ParseInt(vals[0], 10, 64)
}
