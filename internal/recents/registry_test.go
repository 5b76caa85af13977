package recents

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/umbradev/umbra/internal/testutil/testlog"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recents.json")
	r, err := Open(path, 3, log.Logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

func TestAddDeduplicatesAndOrders(t *testing.T) {
	testlog.Start(t)
	r, _ := openTestRegistry(t)

	for _, uri := range []string{"file:///a", "file:///b", "file:///a"} {
		if err := r.Add(uri, ""); err != nil {
			t.Fatalf("Add(%s): %v", uri, err)
		}
	}

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2: %+v", len(got), got)
	}
	if got[0].URI != "file:///a" || got[1].URI != "file:///b" {
		t.Fatalf("order wrong: %+v", got)
	}
}

func TestAddEnforcesLimit(t *testing.T) {
	testlog.Start(t)
	r, _ := openTestRegistry(t)

	for _, uri := range []string{"file:///1", "file:///2", "file:///3", "file:///4"} {
		if err := r.Add(uri, ""); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got := r.List()
	if len(got) != 3 {
		t.Fatalf("len=%d, want limit 3", len(got))
	}
	if got[0].URI != "file:///4" {
		t.Fatalf("newest not first: %+v", got)
	}
}

func TestAddEmptyURIFails(t *testing.T) {
	testlog.Start(t)
	r, _ := openTestRegistry(t)
	if err := r.Add("  ", ""); !errors.Is(err, ErrEmptyURI) {
		t.Fatalf("err=%v, want ErrEmptyURI", err)
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	r, path := openTestRegistry(t)

	if err := r.Add("file:///ws", "workspace"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.Close()

	again, err := Open(path, 3, log.Logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	got := again.List()
	if len(got) != 1 || got[0].URI != "file:///ws" || got[0].Label != "workspace" {
		t.Fatalf("reloaded=%+v", got)
	}
}

func TestRemoveAndClear(t *testing.T) {
	testlog.Start(t)
	r, _ := openTestRegistry(t)

	r.Add("file:///a", "")
	r.Add("file:///b", "")

	found, err := r.Remove("file:///a")
	if err != nil || !found {
		t.Fatalf("Remove: found=%v err=%v", found, err)
	}
	found, err = r.Remove("file:///missing")
	if err != nil || found {
		t.Fatalf("Remove missing: found=%v err=%v", found, err)
	}

	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := r.List(); len(got) != 0 {
		t.Fatalf("list not empty after clear: %+v", got)
	}
}

func TestSubscribeSeesMutations(t *testing.T) {
	testlog.Start(t)
	r, _ := openTestRegistry(t)

	ch, cancel := r.Subscribe()
	defer cancel()

	if err := r.Add("file:///a", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].URI != "file:///a" {
			t.Fatalf("snapshot=%+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot after Add")
	}
}

func TestExternalEditReloads(t *testing.T) {
	testlog.Start(t)
	r, path := openTestRegistry(t)

	ch, cancel := r.Subscribe()
	defer cancel()

	external := []Entry{{URI: "file:///outside", OpenedAt: time.Now().UTC()}}
	raw, err := json.Marshal(external)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}

	// Watcher delivery is asynchronous and platform dependent.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snapshot := <-ch:
			if len(snapshot) == 1 && snapshot[0].URI == "file:///outside" {
				return
			}
		case <-deadline:
			t.Fatalf("external edit never observed, list=%+v", r.List())
		}
	}
}
