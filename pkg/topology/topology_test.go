package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/psc0des/sentinellayer/pkg/models"
)

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.json")
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	return path
}

func TestFindByNameAndFullID(t *testing.T) {
	store := New([]models.Resource{
		{Name: "vm-23", Type: "Microsoft.Compute/virtualMachines"},
	}, nil)

	if r := store.Find("vm-23"); r == nil || r.Name != "vm-23" {
		t.Fatalf("expected lookup by short name to succeed, got %+v", r)
	}
	full := "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm-23"
	if r := store.Find(full); r == nil || r.Name != "vm-23" {
		t.Fatalf("expected lookup by full resource id to succeed, got %+v", r)
	}
	if r := store.Find("vm-99"); r != nil {
		t.Fatalf("expected unknown resource to return nil, got %+v", r)
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	path := writeTopology(t, `{"resources":[{"name":"vm-a","type":"t"}],"dependency_edges":[]}`)
	store, err := NewFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 resource, got %d", store.Len())
	}

	next := `{"resources":[{"name":"vm-a","type":"t"},{"name":"vm-b","type":"t"}],` +
		`"dependency_edges":[{"from":"vm-a","to":"vm-b"}]}`
	if err := os.WriteFile(path, []byte(next), 0o640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 resources after reload, got %d", store.Len())
	}
	if edges := store.Edges(); len(edges) != 1 || edges[0].From != "vm-a" {
		t.Fatalf("expected reloaded edge, got %+v", edges)
	}
}

func TestReloadKeepsOldSnapshotOnError(t *testing.T) {
	path := writeTopology(t, `{"resources":[{"name":"vm-a","type":"t"}]}`)
	store, err := NewFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error for malformed file")
	}
	if store.Len() != 1 || store.Get("vm-a") == nil {
		t.Fatalf("expected old snapshot to survive failed reload")
	}
}
