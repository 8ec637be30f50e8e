package session

import "testing"

func TestCapTrimBuffer_TrimsTailOnOverflow(t *testing.T) {
	b := NewCapTrimBuffer(100, 60)
	filler := make([]byte, 98)
	for i := range filler {
		filler[i] = 'a'
	}
	b.Write(filler)
	b.Write([]byte("TAIL"))

	if b.Len() > 100 {
		t.Fatalf("expected len <= cap, got %d", b.Len())
	}
	got := b.Bytes()
	if string(got[len(got)-4:]) != "TAIL" {
		t.Fatalf("expected trimmed buffer to preserve the tail, got %q", got)
	}
}

func TestCapTrimBuffer_NoTrimBelowCap(t *testing.T) {
	b := NewCapTrimBuffer(100, 60)
	b.Write([]byte("hello"))
	if b.Len() != 5 {
		t.Fatalf("expected len 5, got %d", b.Len())
	}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("unexpected contents: %q", b.Bytes())
	}
}

func TestCapTrimBuffer_2MBWriteTrimsTo1_5MB(t *testing.T) {
	b := NewCapTrimBuffer(terminalBufferCap, terminalBufferTrim)
	payload := make([]byte, 2*1024*1024+512*1024) // 2.5MB
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	b.Write(payload)

	if b.Len() > terminalBufferCap {
		t.Fatalf("expected buffer trimmed to <= 2MB cap, got %d", b.Len())
	}
	if b.Len() != terminalBufferTrim {
		t.Fatalf("expected trim to exactly %d bytes, got %d", terminalBufferTrim, b.Len())
	}

	got := b.Bytes()
	want := payload[len(payload)-terminalBufferTrim:]
	if len(got) != len(want) || string(got[len(got)-10:]) != string(want[len(want)-10:]) {
		t.Fatal("expected trailing bytes of the write to be preserved")
	}
}

func TestMessageLog_TrimsToWatermark(t *testing.T) {
	l := NewMessageLog[int](5, 3)
	// Each append past the cap trims back to 3; the 12th append is the
	// third such overflow, so the log ends exactly at the watermark.
	for i := 0; i < 12; i++ {
		l.Append(i)
	}
	if l.Len() != 3 {
		t.Fatalf("expected trimmed length 3, got %d", l.Len())
	}
	items := l.Items()
	if items[len(items)-1] != 11 {
		t.Fatalf("expected last item to be the most recent append, got %v", items)
	}
}

func TestMessageLog_NoTrimBelowCap(t *testing.T) {
	l := NewMessageLog[string](5, 3)
	l.Append("a")
	l.Append("b")
	if l.Len() != 2 {
		t.Fatalf("expected length 2, got %d", l.Len())
	}
}
