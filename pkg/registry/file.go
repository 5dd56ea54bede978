package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// FileRegistry is the mock-mode registry: one JSON file per agent name.
// A process-local mutex serializes writes; names are file-safe slugs.
type FileRegistry struct {
	dir string
	mu  sync.Mutex

	now func() time.Time
}

func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileRegistry{dir: dir, now: time.Now}, nil
}

func (r *FileRegistry) path(name string) string {
	return filepath.Join(r.dir, name+".json")
}

func (r *FileRegistry) Register(ctx context.Context, name, cardURL string) (models.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.AgentRecord{}, err
	}
	if err := validName(name); err != nil {
		return models.AgentRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(name)
	now := r.now().UTC()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return models.AgentRecord{}, err
		}
		rec = &models.AgentRecord{Name: name, CardURL: cardURL, RegisteredAt: now, LastSeen: now}
		return *rec, r.save(rec)
	}
	if cardURL != "" {
		rec.CardURL = cardURL
	}
	rec.LastSeen = maxTime(rec.LastSeen, now)
	return *rec, r.save(rec)
}

func (r *FileRegistry) UpdateStats(ctx context.Context, name string, decision models.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	rec, err := r.load(name)
	if errors.Is(err, ErrNotFound) {
		rec = &models.AgentRecord{Name: name, RegisteredAt: now, LastSeen: now}
	} else if err != nil {
		return err
	}
	counter := counterFor(rec, decision)
	if counter == nil {
		return fmt.Errorf("unknown decision %q", decision)
	}
	rec.TotalProposed++
	*counter++
	rec.LastSeen = maxTime(rec.LastSeen, now)
	return r.save(rec)
}

func (r *FileRegistry) Get(ctx context.Context, name string) (*models.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(name)
}

func (r *FileRegistry) List(ctx context.Context) ([]models.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list registry dir: %w", err)
	}
	out := []models.AgentRecord{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := r.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *FileRegistry) load(name string) (*models.AgentRecord, error) {
	raw, err := os.ReadFile(r.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read agent %s: %w", name, err)
	}
	var rec models.AgentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse agent %s: %w", name, err)
	}
	return &rec, nil
}

func (r *FileRegistry) save(rec *models.AgentRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", rec.Name, err)
	}
	tmp := r.path(rec.Name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write agent %s: %w", rec.Name, err)
	}
	return os.Rename(tmp, r.path(rec.Name))
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("agent name %q is not file-safe", name)
	}
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
