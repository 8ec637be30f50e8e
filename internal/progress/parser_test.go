package progress

import "testing"

func TestParser_StatusBlock(t *testing.T) {
	p := NewParser()
	blocks, _ := p.Feed("---STATUS---\nSTATUS: IN_PROGRESS\nFILES_MODIFIED: 2\nTASKS_COMPLETED_THIS_LOOP: 1\nTESTS_STATUS: PASSING\n---END_STATUS---\n")
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", b.Status)
	}
	if b.FilesModified != 2 || b.TasksCompletedThisLoop != 1 {
		t.Fatalf("unexpected counters: %+v", b)
	}
	if !b.HasProgress() {
		t.Fatal("expected HasProgress true")
	}
}

func TestParser_MissingStatusRejected(t *testing.T) {
	p := NewParser()
	blocks, _ := p.Feed("---STATUS---\nFILES_MODIFIED: 3\n---END_STATUS---\n")
	if len(blocks) != 0 {
		t.Fatalf("expected block with missing STATUS to be rejected, got %d", len(blocks))
	}
}

func TestParser_ChunkSplitAcrossFeed(t *testing.T) {
	p := NewParser()
	blocks, _ := p.Feed("---STATUS---\nSTATUS: COMPLETE\n")
	if len(blocks) != 0 {
		t.Fatalf("expected no block yet, got %d", len(blocks))
	}
	blocks, _ = p.Feed("FILES_MODIFIED: 1\n---END_STATUS---\n")
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block after closing sentinel, got %d", len(blocks))
	}
}

func TestParser_CompletionIndicatorLine(t *testing.T) {
	p := NewParser()
	_, n := p.Feed("Running final checks\nAll tests pass, ready for review\n")
	if n != 1 {
		t.Fatalf("expected 1 new completion indicator (single match per line), got %d", n)
	}
	if p.CompletionIndicators() != 1 {
		t.Fatalf("expected running total 1, got %d", p.CompletionIndicators())
	}
}

func TestParser_CompleteBlockCountsAsIndicator(t *testing.T) {
	p := NewParser()
	p.Feed("---STATUS---\nSTATUS: COMPLETE\n---END_STATUS---\n")
	if p.CompletionIndicators() != 1 {
		t.Fatalf("expected COMPLETE block to count as an indicator, got %d", p.CompletionIndicators())
	}
}
