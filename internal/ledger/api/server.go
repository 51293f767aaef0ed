// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the HTTP surface of the quota ledger. Handlers are
// thin JSON adapters over the usage service; all accounting decisions live
// below this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"orgquota/internal/ledger/store"
	"orgquota/internal/ledger/usage"
)

// Publisher accepts raw event payloads for the event sink.
type Publisher interface {
	Publish(ctx context.Context, value []byte) error
}

// Server exposes the usage service over HTTP.
type Server struct {
	service   *usage.Service
	publisher Publisher
	log       *zap.Logger
}

// NewServer wires the HTTP layer. publisher may be nil when event ingestion
// is handled out of band; the /events route then returns 404.
func NewServer(service *usage.Service, publisher Publisher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{service: service, publisher: publisher, log: log}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /organizations/{id}/usage", s.handleUsageOverview)
	mux.HandleFunc("GET /organizations/{id}/usage/sandbox", s.handleSandboxUsage)
	mux.HandleFunc("GET /organizations/{id}/usage/sandbox/pending", s.handleSandboxUsageWithPending)
	mux.HandleFunc("GET /organizations/{id}/usage/snapshot", s.handleSnapshotUsage)
	mux.HandleFunc("GET /organizations/{id}/usage/volume", s.handleVolumeUsage)
	mux.HandleFunc("POST /organizations/{id}/usage/sandbox/pending", s.handleIncrementPending)
	mux.HandleFunc("POST /organizations/{id}/usage/sandbox/pending/release", s.handleDecrementPending)
	if s.publisher != nil {
		mux.HandleFunc("POST /events", s.handlePublishEvent)
	}
}

func (s *Server) handleUsageOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.GetUsageOverview(r.Context(), r.PathValue("id"), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleSandboxUsage(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.GetSandboxUsageOverview(r.Context(),
		r.PathValue("id"), r.URL.Query().Get("excludeSandboxId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleSandboxUsageWithPending(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.GetSandboxUsageOverviewWithPending(r.Context(),
		r.PathValue("id"), r.URL.Query().Get("excludeSandboxId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleSnapshotUsage(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.GetSnapshotUsageOverview(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleVolumeUsage(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.GetVolumeUsageOverview(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

type incrementPendingRequest struct {
	CPU              int64  `json:"cpu"`
	Mem              int64  `json:"mem"`
	Disk             int64  `json:"disk"`
	ExcludeSandboxID string `json:"excludeSandboxId"`
}

func (s *Server) handleIncrementPending(w http.ResponseWriter, r *http.Request) {
	var req incrementPendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.service.IncrementPendingSandboxUsage(r.Context(),
		r.PathValue("id"), req.CPU, req.Mem, req.Disk, req.ExcludeSandboxID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type decrementPendingRequest struct {
	CPU  *int64 `json:"cpu"`
	Mem  *int64 `json:"mem"`
	Disk *int64 `json:"disk"`
}

func (s *Server) handleDecrementPending(w http.ResponseWriter, r *http.Request) {
	var req decrementPendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := s.service.DecrementPendingSandboxUsage(r.Context(),
		r.PathValue("id"), req.CPU, req.Mem, req.Disk)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	payload, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(payload) {
		http.Error(w, "body must be valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.publisher.Publish(r.Context(), payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeError maps service errors to status codes. Lock timeouts are
// retryable, so they carry a Retry-After hint.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usage.ErrOrganizationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, usage.ErrOrganizationMismatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}
