// Package topology serves the resource dependency graph. The store is
// read-only at request time; Reload swaps in a fresh snapshot so concurrent
// readers always observe a consistent view.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// File is the persisted topology format.
type File struct {
	Resources       []models.Resource       `json:"resources"`
	DependencyEdges []models.DependencyEdge `json:"dependency_edges"`
}

type snapshot struct {
	byName map[string]*models.Resource
	edges  []models.DependencyEdge
}

// Store indexes resources by name and keeps the explicit edge list.
type Store struct {
	path string
	snap atomic.Pointer[snapshot]
}

// NewFromFile loads the topology JSON at path.
func NewFromFile(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds a store from already-parsed data; used by tests.
func New(resources []models.Resource, edges []models.DependencyEdge) *Store {
	s := &Store{}
	s.snap.Store(buildSnapshot(resources, edges))
	return s
}

// Reload re-reads the backing file and atomically swaps the snapshot.
// In-flight readers keep the old view.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("topology store has no backing file")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read topology: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse topology: %w", err)
	}
	s.snap.Store(buildSnapshot(f.Resources, f.DependencyEdges))
	return nil
}

func buildSnapshot(resources []models.Resource, edges []models.DependencyEdge) *snapshot {
	byName := make(map[string]*models.Resource, len(resources))
	for i := range resources {
		r := resources[i]
		byName[r.Name] = &r
	}
	return &snapshot{byName: byName, edges: edges}
}

// Find looks a resource up by short name or by the last path segment of a
// full cloud resource ID. Returns nil when unknown.
func (s *Store) Find(resourceID string) *models.Resource {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	if r, ok := snap.byName[resourceID]; ok {
		return r
	}
	if i := strings.LastIndex(resourceID, "/"); i >= 0 {
		if r, ok := snap.byName[resourceID[i+1:]]; ok {
			return r
		}
	}
	return nil
}

// Get returns a resource by exact name.
func (s *Store) Get(name string) *models.Resource {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.byName[name]
}

// Edges returns the explicit directed edges of the current snapshot.
func (s *Store) Edges() []models.DependencyEdge {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.edges
}

// Len reports how many resources the current snapshot holds.
func (s *Store) Len() int {
	snap := s.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byName)
}
