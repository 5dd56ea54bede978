package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// FileLog is the mock-mode audit log: one JSON file per action_id.
type FileLog struct {
	dir string
	mu  sync.Mutex
}

func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

func (l *FileLog) path(actionID string) string {
	return filepath.Join(l.dir, actionID+".json")
}

func (l *FileLog) Record(ctx context.Context, v *models.GovernanceVerdict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.ActionID == "" {
		return fmt.Errorf("verdict has no action_id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	path := l.path(v.ActionID)
	if _, err := os.Stat(path); err == nil {
		// Written-once: a duplicate record call is a no-op.
		return nil
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit verdict: %w", err)
	}
	return nil
}

func (l *FileLog) GetByID(ctx context.Context, actionID string) (*models.GovernanceVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(l.path(actionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read verdict: %w", err)
	}
	var v models.GovernanceVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse verdict %s: %w", actionID, err)
	}
	return &v, nil
}

func (l *FileLog) GetRecent(ctx context.Context, limit int, resourceSubstring string) ([]Summary, error) {
	rows, err := l.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	out := make([]Summary, 0, limit)
	for _, v := range rows {
		if resourceSubstring != "" && !strings.Contains(v.ResourceID, resourceSubstring) {
			continue
		}
		out = append(out, summarize(v))
	}
	sortSummaries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *FileLog) GetByAgent(ctx context.Context, agentID string, limit int) ([]Summary, error) {
	rows, err := l.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	out := []Summary{}
	for _, v := range rows {
		if v.AgentID == agentID {
			out = append(out, summarize(v))
		}
	}
	sortSummaries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *FileLog) Aggregate(ctx context.Context) (Stats, error) {
	rows, err := l.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	stat := make([]statRow, 0, len(rows))
	for _, v := range rows {
		stat = append(stat, statRow{
			decision:   v.Decision,
			sri:        v.SRI,
			violations: v.Violations,
			resourceID: v.ResourceID,
		})
	}
	return aggregate(stat), nil
}

func (l *FileLog) loadAll(ctx context.Context) ([]*models.GovernanceVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit dir: %w", err)
	}
	out := make([]*models.GovernanceVerdict, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			continue
		}
		var v models.GovernanceVerdict
		if err := json.Unmarshal(raw, &v); err != nil {
			// Skip corrupt records rather than failing the whole listing.
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
