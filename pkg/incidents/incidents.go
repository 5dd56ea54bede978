// Package incidents serves past-incident records with full-text lookup.
// The file-backed store keeps an in-memory BM25 index; live deployments can
// swap in a remote search service behind the same Store interface.
package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// Store is the lookup contract the historical evaluator depends on. The
// evaluator's score is a pure function of (action, returned incidents), so
// any back-end honouring this interface yields identical scores for the
// same result set.
type Store interface {
	// Lookup returns up to limit incidents ranked by relevance to query.
	// An empty query returns all incidents in file order.
	Lookup(ctx context.Context, query string, limit int) ([]models.Incident, error)
}

// FileStore is the local JSON implementation with an in-memory BM25 index.
type FileStore struct {
	path string

	mu        sync.RWMutex
	incidents []models.Incident
	index     *bm25Index
}

// NewFromFile loads the incident JSON at path and builds the index.
func NewFromFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds a store from already-parsed incidents; used by tests and the
// Kafka incident-feed consumer.
func New(incidents []models.Incident) *FileStore {
	s := &FileStore{}
	s.replace(incidents)
	return s
}

// Reload re-reads the backing file and rebuilds the index.
func (s *FileStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("incident store has no backing file")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read incidents: %w", err)
	}
	var rows []models.Incident
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("parse incidents: %w", err)
	}
	s.replace(rows)
	return nil
}

func (s *FileStore) replace(rows []models.Incident) {
	idx := newBM25Index()
	for i, inc := range rows {
		idx.add(i, incidentText(inc))
	}
	s.mu.Lock()
	s.incidents = rows
	s.index = idx
	s.mu.Unlock()
}

// Append adds one incident to the store and index. Used by the event-bus
// incident feed.
func (s *FileStore) Append(inc models.Incident) {
	s.mu.Lock()
	s.incidents = append(s.incidents, inc)
	s.index.add(len(s.incidents)-1, incidentText(inc))
	s.mu.Unlock()
}

// Len reports how many incidents the store holds.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}

// Lookup ranks incidents against query via BM25. Incidents sharing no token
// with the query are omitted. An empty query returns everything.
func (s *FileStore) Lookup(ctx context.Context, query string, limit int) ([]models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.incidents) {
		limit = len(s.incidents)
	}
	if query == "" {
		out := make([]models.Incident, limit)
		copy(out, s.incidents[:limit])
		return out, nil
	}
	ranked := s.index.search(query)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]models.Incident, 0, len(ranked))
	for _, hit := range ranked {
		out = append(out, s.incidents[hit.doc])
	}
	return out, nil
}

func incidentText(inc models.Incident) string {
	text := inc.Title + " " + inc.Summary + " " + inc.ActionType + " " +
		inc.ResourceType + " " + inc.ResourceName + " " + inc.OutcomeText
	for _, t := range inc.Tags {
		text += " " + t
	}
	return text
}
