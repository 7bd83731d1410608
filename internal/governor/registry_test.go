package governor

import (
	"context"
	"testing"
	"time"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	ctx, id := r.Register(context.Background())
	if id == "" {
		t.Fatal("empty flight id")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
	if ctx.Err() != nil {
		t.Fatal("fresh flight context already cancelled")
	}

	r.Deregister(id)
	if r.Len() != 0 {
		t.Errorf("len after deregister = %d, want 0", r.Len())
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("deregister must release the flight context")
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	ctx, id := r.Register(context.Background())

	if r.Cancelled(id) {
		t.Error("flight cancelled before Cancel")
	}
	if !r.Cancel(id) {
		t.Fatal("Cancel on in-flight id reported false")
	}
	if !r.Cancelled(id) {
		t.Error("Cancelled must report true after Cancel")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Cancel must cancel the flight context")
	}

	if r.Cancel("no-such-flight") {
		t.Error("Cancel on unknown id reported true")
	}
	if r.Cancelled("no-such-flight") {
		t.Error("Cancelled on unknown id reported true")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	_, a := r.Register(context.Background())
	_, b := r.Register(context.Background())
	r.Cancel(b)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	byID := map[string]Flight{}
	for _, f := range snap {
		byID[f.ID] = f
	}
	if byID[a].Cancelled {
		t.Error("flight a must not be cancelled")
	}
	if !byID[b].Cancelled {
		t.Error("flight b must be cancelled")
	}
	if byID[a].Started.IsZero() {
		t.Error("flight start time missing")
	}
}
