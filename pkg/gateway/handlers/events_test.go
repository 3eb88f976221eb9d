package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses SSE frames until n frames of the wanted event arrive.
func readFrames(t *testing.T, sc *bufio.Scanner, event string, n int) []sseFrame {
	t.Helper()
	var out []sseFrame
	var cur sseFrame
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event == event {
				out = append(out, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if len(out) < n {
		t.Fatalf("got %d %q frames, want %d (scan err %v)", len(out), event, n, sc.Err())
	}
	return out
}

func appendRecord(t *testing.T, env *testEnv, id, typ string) {
	t.Helper()
	if _, err := env.log.Append(context.Background(), eventlog.Record{
		ConversationID: id,
		Source:         eventlog.SourceVoice,
		Type:           typ,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func openStream(t *testing.T, srv *httptest.Server, path string, header http.Header) (*http.Response, *bufio.Scanner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewScanner(resp.Body)
}

func TestEvents_ReplaysThenFollows(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodPost, "/v1/conversations", map[string]any{"id": "c1"}); rr.Code != http.StatusCreated {
		t.Fatalf("create conversation status=%d", rr.Code)
	}
	appendRecord(t, env, "c1", "first")
	appendRecord(t, env, "c1", "second")
	appendRecord(t, env, "c1", "third")

	srv := httptest.NewServer(env.mux)
	t.Cleanup(srv.Close)

	resp, sc := openStream(t, srv, "/v1/conversations/c1/events?after=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}

	replayed := readFrames(t, sc, sseEventRecord, 2)
	if replayed[0].id != "2" || replayed[1].id != "3" {
		t.Fatalf("replayed ids=%q,%q", replayed[0].id, replayed[1].id)
	}

	appendRecord(t, env, "c1", "live")
	live := readFrames(t, sc, sseEventRecord, 1)
	var rec eventlog.Record
	if err := json.Unmarshal([]byte(live[0].data), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Seq != 4 || rec.Type != "live" || rec.Source != eventlog.SourceVoice {
		t.Fatalf("live record=%+v", rec)
	}

	// Keepalives flow while idle.
	readFrames(t, sc, sseEventPing, 1)
}

func TestEvents_LastEventIDResumes(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/conversations", map[string]any{"id": "c1"})
	for i := 0; i < 3; i++ {
		appendRecord(t, env, "c1", "r")
	}

	srv := httptest.NewServer(env.mux)
	t.Cleanup(srv.Close)

	_, sc := openStream(t, srv, "/v1/conversations/c1/events", http.Header{"Last-Event-Id": {"2"}})
	frames := readFrames(t, sc, sseEventRecord, 1)
	if frames[0].id != "3" {
		t.Fatalf("resumed at id=%q, want 3", frames[0].id)
	}
}

func TestEvents_Errors(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	cases := []struct {
		path   string
		status int
	}{
		{"/v1/conversations/missing/events", http.StatusNotFound},
		{"/v1/conversations/missing/events?after=-1", http.StatusBadRequest},
		{"/v1/conversations/missing/events?after=abc", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s status=%d, want %d", tc.path, resp.StatusCode, tc.status)
		}
	}
}

func TestCursorFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?after=5", nil)
	req.Header.Set("Last-Event-ID", "9")
	if n, err := cursorFrom(req); err != nil || n != 5 {
		t.Fatalf("after wins: n=%d err=%v", n, err)
	}
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	if n, err := cursorFrom(req); err != nil || n != 0 {
		t.Fatalf("default: n=%d err=%v", n, err)
	}
}
