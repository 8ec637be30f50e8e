package session

import (
	"testing"
)

func TestParseContextTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"no status line here", 0},
		{"142.3k tokens", 142300},
		{"  7k tokens · $0.42", 7000},
		{"10k tokens ... redraw ... 12.5k tokens", 12500},
	}
	for _, tc := range cases {
		if got := parseContextTokens(tc.in); got != tc.want {
			t.Errorf("parseContextTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTrackTokens_AccumulatesDeltas(t *testing.T) {
	s := newTestClaudeSession()
	s.trackTokens("10k tokens")
	s.trackTokens("15k tokens")

	s.mu.Lock()
	tokens := s.Tokens
	s.mu.Unlock()
	if tokens != 15000 {
		t.Fatalf("expected 15000 tokens accumulated, got %d", tokens)
	}
}

func TestTrackTokens_AutoClearFiresOnceAtThreshold(t *testing.T) {
	s := newTestClaudeSession()
	s.SetAutoClear(true, 100_000)
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.trackTokens("50k tokens")
	s.trackTokens("120k tokens")
	s.trackTokens("130k tokens") // still above threshold: must not re-fire

	var clears int
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventAutoClear {
				clears++
			}
		default:
			break drain
		}
	}
	if clears != 1 {
		t.Fatalf("expected exactly one autoClear event, got %d", clears)
	}
}

func TestTrackTokens_AutoClearRearmsAfterContextShrinks(t *testing.T) {
	s := newTestClaudeSession()
	s.SetAutoClear(true, 100_000)
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.trackTokens("120k tokens")
	s.trackTokens("5k tokens") // the /clear landed
	s.trackTokens("110k tokens")

	var clears int
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventAutoClear {
				clears++
			}
		default:
			break drain
		}
	}
	if clears != 2 {
		t.Fatalf("expected the trigger to re-arm after context shrank, got %d events", clears)
	}
}

func TestTrackTokens_AutoCompactCarriesPrompt(t *testing.T) {
	s := newTestClaudeSession()
	s.SetAutoCompact(true, 80_000, "keep the task list")
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.trackTokens("90k tokens")

	select {
	case ev := <-ch:
		if ev.Kind != EventAutoCompact {
			t.Fatalf("expected autoCompact event, got %v", ev.Kind)
		}
		if ev.Text != "keep the task list" {
			t.Fatalf("expected the configured compact prompt, got %q", ev.Text)
		}
	default:
		t.Fatal("expected an autoCompact event at the threshold")
	}
}

func TestTrackBashTool_EmitsPairedStartEnd(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.trackBashTool("⏺ Bash(go test ./...)")
	s.trackBashTool("⏺ Bash(go test ./...)") // redraw of the same banner
	s.trackBashTool("⎿ ok   sentinel/internal/session 0.4s")

	var kinds []EventKind
drain:
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		default:
			break drain
		}
	}
	if len(kinds) != 2 || kinds[0] != EventBashToolStart || kinds[1] != EventBashToolEnd {
		t.Fatalf("expected one start and one end event, got %v", kinds)
	}
}
