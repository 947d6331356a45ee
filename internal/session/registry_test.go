package session

import (
	"testing"
	"time"
)

func TestJoinReturnsSnapshotOfOthers(t *testing.T) {
	r := NewRegistry()

	_, snap := r.Join("d1", "conn-a", "u1", "alice", 8)
	if len(snap) != 0 {
		t.Errorf("first joiner should see empty room, got %d", len(snap))
	}

	_, snap = r.Join("d1", "conn-b", "u2", "bob", 8)
	if len(snap) != 1 || snap[0].UserID != "u1" {
		t.Fatalf("expected snapshot with alice, got %+v", snap)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	chA, _ := r.Join("d1", "conn-a", "u1", "alice", 8)
	chB, _ := r.Join("d1", "conn-b", "u2", "bob", 8)

	r.Broadcast("d1", NewEvent("cursor-updated", map[string]string{"userId": "u1"}), "conn-a")

	select {
	case evt := <-chB:
		if evt.Name != "cursor-updated" {
			t.Errorf("unexpected event %q", evt.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("bob never received the broadcast")
	}

	select {
	case evt := <-chA:
		t.Errorf("sender received own broadcast: %q", evt.Name)
	default:
	}
}

func TestBroadcastIsolatedPerDocument(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", "conn-a", "u1", "alice", 8)
	chOther, _ := r.Join("d2", "conn-b", "u2", "bob", 8)

	r.Broadcast("d1", NewEvent("user-typing", nil), "")

	select {
	case evt := <-chOther:
		t.Errorf("event leaked across documents: %q", evt.Name)
	default:
	}
}

func TestLeaveReportsPresenceExactlyOnce(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.Join("d1", "conn-a", "u1", "alice", 8)

	p, ok := r.Leave("d1", "conn-a")
	if !ok || p.UserID != "u1" {
		t.Fatalf("expected first leave to report alice, got ok=%v p=%+v", ok, p)
	}
	if _, ok := r.Leave("d1", "conn-a"); ok {
		t.Error("second leave reported presence again")
	}

	// Channel closed on leave
	if _, open := <-ch; open {
		t.Error("expected closed channel after leave")
	}
}

func TestEmptyRoomGarbageCollected(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", "conn-a", "u1", "alice", 8)
	_, _ = r.Leave("d1", "conn-a")

	if got := r.Participants("d1"); got != nil {
		t.Errorf("expected room gone, got %+v", got)
	}
	r.mu.RLock()
	_, exists := r.rooms["d1"]
	r.mu.RUnlock()
	if exists {
		t.Error("empty room not garbage-collected")
	}
}

func TestPresenceMutations(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", "conn-a", "u1", "alice", 8)

	if !r.UpdateCursor("d1", "conn-a", Cursor{X: 5, Y: 7, ElementID: "c1"}) {
		t.Fatal("UpdateCursor reported missing participant")
	}
	if !r.SetTyping("d1", "conn-a", Typing{ElementID: "c1", ElementType: "component"}) {
		t.Fatal("SetTyping reported missing participant")
	}

	got := r.Participants("d1")
	if len(got) != 1 {
		t.Fatalf("expected one participant, got %d", len(got))
	}
	if got[0].Cursor == nil || got[0].Cursor.X != 5 {
		t.Errorf("cursor not recorded: %+v", got[0].Cursor)
	}
	if got[0].Typing == nil || got[0].Typing.ElementID != "c1" {
		t.Errorf("typing not recorded: %+v", got[0].Typing)
	}

	r.ClearTyping("d1", "conn-a")
	if got := r.Participants("d1"); got[0].Typing != nil {
		t.Error("typing not cleared")
	}

	if r.UpdateCursor("d1", "ghost", Cursor{}) {
		t.Error("mutation on unknown connection reported success")
	}
}

func TestSelectionActions(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", "conn-a", "u1", "alice", 8)

	sel, ok := r.UpdateSelection("d1", "conn-a", []string{"e1", "e2"}, "replace")
	if !ok || len(sel) != 2 {
		t.Fatalf("replace: ok=%v sel=%v", ok, sel)
	}

	sel, _ = r.UpdateSelection("d1", "conn-a", []string{"e2", "e3"}, "add")
	if len(sel) != 3 {
		t.Errorf("add should dedupe, got %v", sel)
	}

	sel, _ = r.UpdateSelection("d1", "conn-a", []string{"e1"}, "remove")
	if len(sel) != 2 {
		t.Errorf("remove: got %v", sel)
	}
	for _, id := range sel {
		if id == "e1" {
			t.Errorf("e1 still selected: %v", sel)
		}
	}
}
