// Package memory provides an in-memory RequestStore, used for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openrecords/requestflow/pkg/ports"
)

// RequestStore keeps requests and classification results in process
// memory. Safe for concurrent use.
type RequestStore struct {
	mu              sync.RWMutex
	requests        map[string]*ports.Request
	dispatched      map[string]bool
	classifications map[string][]ports.Classification
}

// NewRequestStore creates an empty in-memory request store.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests:        make(map[string]*ports.Request),
		dispatched:      make(map[string]bool),
		classifications: make(map[string][]ports.Classification),
	}
}

// Add inserts or replaces a request. New requests start undispatched.
func (s *RequestStore) Add(req *ports.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[req.ID] = &cp
	delete(s.dispatched, req.ID)
}

// SetStatus updates a request's status.
func (s *RequestStore) SetStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	req.Status = status
	return nil
}

// PendingRequests returns up to limit undispatched requests, oldest
// submission first.
func (s *RequestStore) PendingRequests(ctx context.Context, limit int) ([]*ports.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ports.Request
	for id, req := range s.requests {
		if s.dispatched[id] || isClosed(req.Status) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDispatched records that workflow processing has begun for a request.
func (s *RequestStore) MarkDispatched(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; !ok {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	s.dispatched[id] = true
	return nil
}

// OpenRequests returns every request that is not completed or cancelled.
func (s *RequestStore) OpenRequests(ctx context.Context) ([]*ports.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ports.Request
	for _, req := range s.requests {
		if isClosed(req.Status) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveClassifications persists classification results for a request.
func (s *RequestStore) SaveClassifications(ctx context.Context, requestID string, results []ports.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[requestID]; !ok {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, requestID)
	}
	s.classifications[requestID] = append(s.classifications[requestID], results...)
	return nil
}

// Classifications returns the stored results for a request.
func (s *RequestStore) Classifications(requestID string) []ports.Classification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ports.Classification, len(s.classifications[requestID]))
	copy(out, s.classifications[requestID])
	return out
}

func isClosed(status string) bool {
	return status == "completed" || status == "cancelled"
}
