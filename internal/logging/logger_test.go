package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestLoggerRingBuffer(t *testing.T) {
	l := New(3, LevelDebug, nil)
	for i := 0; i < 5; i++ {
		l.Log(LevelInfo, CatReader, fmt.Sprintf("msg %d", i), nil)
	}

	entries := l.Entries(0, LevelDebug)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"msg 2", "msg 3", "msg 4"} {
		if entries[i].Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	l := New(10, LevelInfo, nil)
	l.Log(LevelDebug, CatCard, "dropped", nil)
	l.Log(LevelInfo, CatCard, "kept info", nil)
	l.Log(LevelError, CatCard, "kept error", map[string]any{"reader": "ACR122U"})

	if got := len(l.Entries(0, LevelDebug)); got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}

	errs := l.Entries(0, LevelError)
	if len(errs) != 1 || errs[0].Fields["reader"] != "ACR122U" {
		t.Errorf("unexpected error entries %+v", errs)
	}

	if got := l.Entries(1, LevelDebug); len(got) != 1 || got[0].Message != "kept error" {
		t.Errorf("limit should keep newest entry, got %+v", got)
	}
}

func TestLoggerCopiesFields(t *testing.T) {
	l := New(10, LevelDebug, nil)
	fields := map[string]any{"uid": "04a1"}
	l.Log(LevelInfo, CatCard, "card", fields)
	fields["uid"] = "changed"

	if got := l.Entries(0, LevelDebug)[0].Fields["uid"]; got != "04a1" {
		t.Errorf("buffered field changed to %v", got)
	}
}

func TestLoggerConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, LevelDebug, &buf)
	l.Log(LevelWarn, CatPCSC, "reader vanished", map[string]any{"reader": "ACR122U"})

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"category":"pcsc"`, `"reader":"ACR122U"`, `"message":"reader vanished"`} {
		if !strings.Contains(out, want) {
			t.Errorf("console output %q missing %s", out, want)
		}
	}
}

func TestLoggerClear(t *testing.T) {
	l := New(2, LevelDebug, nil)
	l.Log(LevelInfo, CatSystem, "a", nil)
	l.Log(LevelInfo, CatSystem, "b", nil)
	l.Log(LevelInfo, CatSystem, "c", nil)
	l.Clear()
	if got := l.Entries(0, LevelDebug); len(got) != 0 {
		t.Fatalf("expected empty buffer, got %d", len(got))
	}
	l.Log(LevelInfo, CatSystem, "d", nil)
	if got := l.Entries(0, LevelDebug); len(got) != 1 || got[0].Message != "d" {
		t.Errorf("unexpected entries after clear: %+v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
