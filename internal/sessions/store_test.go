package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlascore/atlas/pkg/models"
)

func TestCheckoutCreatesLazily(t *testing.T) {
	s := NewStore()
	h, err := s.Checkout(context.Background(), "s1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer h.Close()

	if h.Session().ID != "s1" {
		t.Errorf("session id = %q, want s1", h.Session().ID)
	}
	if s.Len() != 1 {
		t.Errorf("store len = %d, want 1", s.Len())
	}
}

func TestCheckoutGeneratesID(t *testing.T) {
	s := NewStore()
	h, err := s.Checkout(context.Background(), "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer h.Close()
	if h.Session().ID == "" {
		t.Error("expected a generated session id")
	}
}

func TestCheckoutSerializesWrites(t *testing.T) {
	s := NewStore()
	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h, err := s.Checkout(context.Background(), "shared")
				if err != nil {
					t.Errorf("checkout: %v", err)
					return
				}
				// Writes under the handle must never interleave: the
				// pair appended here has to stay adjacent.
				n := h.HistoryLen()
				h.Append(models.Message{Role: models.RoleUser, Content: "u"})
				h.Append(models.Message{Role: models.RoleAssistant, Content: "a"})
				if h.HistoryLen() != n+2 {
					t.Errorf("history len changed underneath the handle")
				}
				h.Close()
			}
		}(w)
	}
	wg.Wait()

	h, _ := s.Checkout(context.Background(), "shared")
	defer h.Close()
	hist := h.History()
	if len(hist) != writers*perWriter*2 {
		t.Fatalf("history len = %d, want %d", len(hist), writers*perWriter*2)
	}
	for i := 0; i < len(hist); i += 2 {
		if hist[i].Role != models.RoleUser || hist[i+1].Role != models.RoleAssistant {
			t.Fatalf("interleaved writes at index %d: %s/%s", i, hist[i].Role, hist[i+1].Role)
		}
	}
}

func TestCheckoutHonoursContext(t *testing.T) {
	s := NewStore()
	h, err := s.Checkout(context.Background(), "s1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Checkout(ctx, "s1"); err == nil {
		t.Fatal("second checkout should fail while the session is held")
	}
}

func TestHandleCloseIdempotent(t *testing.T) {
	s := NewStore()
	h, _ := s.Checkout(context.Background(), "s1")
	h.Close()
	h.Close()

	// The lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h2, err := s.Checkout(ctx, "s1")
	if err != nil {
		t.Fatalf("re-checkout after close: %v", err)
	}
	h2.Close()
}

func TestTruncateAndClear(t *testing.T) {
	s := NewStore()
	h, _ := s.Checkout(context.Background(), "s1")
	defer h.Close()

	h.Append(models.Message{Role: models.RoleUser, Content: "one"})
	mark := h.HistoryLen()
	h.Append(models.Message{Role: models.RoleAssistant, Content: "partial"})
	h.Append(models.Message{Role: models.RoleTool, Content: "result", ToolCallID: "t1"})

	h.TruncateTo(mark)
	if h.HistoryLen() != 1 {
		t.Errorf("after truncate len = %d, want 1", h.HistoryLen())
	}

	h.ClearHistory()
	if h.HistoryLen() != 0 {
		t.Errorf("after clear len = %d, want 0", h.HistoryLen())
	}
}

func TestHistoryTrimBound(t *testing.T) {
	s := NewStore(WithMaxMessages(5))
	h, _ := s.Checkout(context.Background(), "s1")
	defer h.Close()

	for i := 0; i < 12; i++ {
		h.Append(models.Message{Role: models.RoleUser, Content: "m"})
	}
	if h.HistoryLen() != 5 {
		t.Errorf("history len = %d, want trimmed to 5", h.HistoryLen())
	}
}

func TestEvictIdleSkipsHeld(t *testing.T) {
	s := NewStore()
	held, _ := s.Checkout(context.Background(), "held")
	idle, _ := s.Checkout(context.Background(), "idle")
	idle.Close()

	// Both sessions look idle by timestamp; only the unheld one goes.
	s.mu.Lock()
	for _, e := range s.entries {
		e.session.LastActivity = time.Now().Add(-2 * time.Hour)
	}
	s.mu.Unlock()

	if n := s.EvictIdle(time.Hour); n != 1 {
		t.Errorf("evicted %d sessions, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("store len = %d, want the held session to survive", s.Len())
	}
	held.Close()
}

func TestReset(t *testing.T) {
	s := NewStore()
	h, _ := s.Checkout(context.Background(), "s1")
	h.Append(models.Message{Role: models.RoleUser, Content: "hi"})
	h.Session().Files = map[string]models.FileRef{"a.txt": {Name: "a.txt"}}
	h.Close()

	if err := s.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	h2, _ := s.Checkout(context.Background(), "s1")
	defer h2.Close()
	if h2.HistoryLen() != 0 {
		t.Error("reset should clear history")
	}
	if len(h2.Session().Files) != 0 {
		t.Error("reset should clear files")
	}
}
