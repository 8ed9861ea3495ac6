package presence

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

type testHandle struct {
	id string
}

func (h *testHandle) ConnectionID() string { return h.id }

func TestRegistry_SetOnlineAndLookup(t *testing.T) {
	r := NewRegistry()
	h := &testHandle{id: "conn-1"}

	if prev := r.SetOnline("alice", h); prev != nil {
		t.Fatalf("SetOnline returned prev=%v for a fresh user", prev)
	}

	got, ok := r.Lookup("alice")
	if !ok || got.ConnectionID() != "conn-1" {
		t.Fatalf("Lookup = %v, %v; want conn-1, true", got, ok)
	}

	if _, ok := r.Lookup("bob"); ok {
		t.Fatal("Lookup of unknown user reported online")
	}
}

func TestRegistry_LastConnectWins(t *testing.T) {
	r := NewRegistry()
	old := &testHandle{id: "conn-1"}
	fresh := &testHandle{id: "conn-2"}

	r.SetOnline("alice", old)
	prev := r.SetOnline("alice", fresh)

	if prev == nil || prev.ConnectionID() != "conn-1" {
		t.Fatalf("SetOnline returned prev=%v, want conn-1", prev)
	}
	got, _ := r.Lookup("alice")
	if got.ConnectionID() != "conn-2" {
		t.Fatalf("Lookup = %s, want conn-2", got.ConnectionID())
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_SetOnlineIdempotent(t *testing.T) {
	r := NewRegistry()
	h := &testHandle{id: "conn-1"}

	r.SetOnline("alice", h)
	if prev := r.SetOnline("alice", h); prev != nil {
		t.Fatalf("re-announcing the same handle returned prev=%v", prev)
	}
}

func TestRegistry_StaleDisconnectCannotEvictFreshConnection(t *testing.T) {
	r := NewRegistry()
	stale := &testHandle{id: "conn-1"}
	fresh := &testHandle{id: "conn-2"}

	r.SetOnline("alice", stale)
	r.SetOnline("alice", fresh)

	if removed := r.Remove("alice", stale); removed {
		t.Fatal("Remove with a stale handle evicted a fresh entry")
	}
	got, ok := r.Lookup("alice")
	if !ok || got.ConnectionID() != "conn-2" {
		t.Fatalf("Lookup after stale Remove = %v, %v; want conn-2, true", got, ok)
	}

	if removed := r.Remove("alice", fresh); !removed {
		t.Fatal("Remove with the current handle did not evict")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("user still online after Remove")
	}
}

func TestRegistry_RemoveUnknownUser(t *testing.T) {
	r := NewRegistry()
	if removed := r.Remove("ghost", &testHandle{id: "conn-1"}); removed {
		t.Fatal("Remove of an unknown user reported removal")
	}
}

func TestRegistry_OnlineUsersSnapshot(t *testing.T) {
	r := NewRegistry()
	r.SetOnline("bob", &testHandle{id: "c1"})
	r.SetOnline("alice", &testHandle{id: "c2"})
	r.SetOnline("carol", &testHandle{id: "c3"})
	r.Remove("bob", &testHandle{id: "c1"})

	want := []string{"alice", "carol"}
	if got := r.OnlineUsers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("OnlineUsers = %v, want %v", got, want)
	}
	if got := len(r.Handles()); got != 2 {
		t.Fatalf("Handles returned %d entries, want 2", got)
	}
}

// The registry must reflect only the most recent SetOnline per user and
// never a handle that was removed with a matching argument, for any
// interleaving of operations.
func TestRegistry_RandomizedSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for seq := 0; seq < 200; seq++ {
		r := NewRegistry()
		// Shadow model: user -> connection ID.
		model := make(map[string]string)
		users := []string{"u1", "u2", "u3"}
		nextConn := 0

		for op := 0; op < 50; op++ {
			user := users[rng.Intn(len(users))]
			switch rng.Intn(3) {
			case 0: // fresh connect
				nextConn++
				id := fmt.Sprintf("c%d", nextConn)
				r.SetOnline(user, &testHandle{id: id})
				model[user] = id
			case 1: // disconnect of the current handle
				if id, ok := model[user]; ok {
					r.Remove(user, &testHandle{id: id})
					delete(model, user)
				}
			case 2: // stale disconnect: a connection that is no longer mapped
				nextConn++
				r.Remove(user, &testHandle{id: fmt.Sprintf("stale%d", nextConn)})
			}
		}

		for _, user := range users {
			h, ok := r.Lookup(user)
			wantID, wantOK := model[user]
			if ok != wantOK {
				t.Fatalf("seq %d: Lookup(%s) online=%v, model says %v", seq, user, ok, wantOK)
			}
			if ok && h.ConnectionID() != wantID {
				t.Fatalf("seq %d: Lookup(%s) = %s, model says %s", seq, user, h.ConnectionID(), wantID)
			}
		}
	}
}
