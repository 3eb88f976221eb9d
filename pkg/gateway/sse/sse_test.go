package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type plainWriter struct{ http.ResponseWriter }

func TestNew_RequiresFlusher(t *testing.T) {
	if _, err := New(plainWriter{httptest.NewRecorder()}); err == nil {
		t.Fatal("expected error for non-flushing writer")
	}
}

func TestWriter_Framing(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sw.Start()
	if err := sw.SendWithID("7", "voice", map[string]int{"seq": 7}); err != nil {
		t.Fatalf("SendWithID: %v", err)
	}
	if err := sw.Send("ping", struct{}{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sw.Comment("keepalive\nx"); err != nil {
		t.Fatalf("Comment: %v", err)
	}

	want := "id: 7\nevent: voice\ndata: {\"seq\":7}\n\n" +
		"event: ping\ndata: {}\n\n" +
		": keepalive x\n\n"
	if got := rr.Body.String(); got != want {
		t.Fatalf("body=%q\nwant %q", got, want)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
	if !rr.Flushed {
		t.Fatal("expected flush")
	}
}
