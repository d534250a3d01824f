package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// implementations returns each Store implementation under a name, so
// the contract tests run against both.
func implementations(t *testing.T) map[string]Store {
	t.Helper()

	sql, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sql.Close() })

	return map[string]Store{
		"sqlite": sql,
		"memory": NewMemory(),
	}
}

func sampleRecord(id string, created time.Time) Record {
	return Record{
		SessionID:       id,
		SocketPath:      "/run/codev/termd-" + id + ".sock",
		DaemonPID:       4242,
		DaemonStartTime: 98765432101234,
		Role:            "agent",
		WorkflowRef:     "task-17",
		CreatedAt:       created,
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleRecord("s1", time.Now())
			if err := s.Put(ctx, want); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := s.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.SocketPath != want.SocketPath {
				t.Errorf("socket path = %q, want %q", got.SocketPath, want.SocketPath)
			}
			if got.DaemonPID != want.DaemonPID || got.DaemonStartTime != want.DaemonStartTime {
				t.Errorf("identity = (%d, %d), want (%d, %d)",
					got.DaemonPID, got.DaemonStartTime, want.DaemonPID, want.DaemonStartTime)
			}
			if got.Role != "agent" || got.WorkflowRef != "task-17" {
				t.Errorf("passthrough fields = (%q, %q), want (agent, task-17)", got.Role, got.WorkflowRef)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "nope")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord("s1", time.Now())
			if err := s.Put(ctx, rec); err != nil {
				t.Fatalf("Put: %v", err)
			}
			rec.DaemonPID = 5555
			if err := s.Put(ctx, rec); err != nil {
				t.Fatalf("second Put: %v", err)
			}
			got, err := s.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.DaemonPID != 5555 {
				t.Errorf("pid = %d, want 5555", got.DaemonPID)
			}
		})
	}
}

func TestStore_ListOrdered(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now()
			for i, id := range []string{"c", "a", "b"} {
				rec := sampleRecord(id, base.Add(time.Duration(i)*time.Second))
				if err := s.Put(ctx, rec); err != nil {
					t.Fatalf("Put(%s): %v", id, err)
				}
			}
			recs, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(recs) != 3 {
				t.Fatalf("List returned %d records, want 3", len(recs))
			}
			want := []string{"c", "a", "b"} // creation order
			for i, rec := range recs {
				if rec.SessionID != want[i] {
					t.Errorf("record %d = %q, want %q", i, rec.SessionID, want[i])
				}
			}
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, sampleRecord("s1", time.Now())); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			// Deleting again must not error.
			if err := s.Delete(ctx, "s1"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
			if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}
