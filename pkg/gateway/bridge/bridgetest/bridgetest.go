// Package bridgetest provides in-memory upstream and browser endpoints and a
// throwaway event store for tests of code built on the bridge manager.
package bridgetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/media"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
)

// OfferSDP is a minimal browser offer with one PCMU audio line.
const OfferSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func Offer() media.SessionDescription {
	return media.SessionDescription{Type: "offer", SDP: OfferSDP}
}

// NewStore opens a migrated in-memory SQLite store private to t.
func NewStore(t testing.TB) *eventlog.SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := eventlog.Open(context.Background(), eventlog.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Upstream is a scriptable session.Upstream.
type Upstream struct {
	ConnectErr error

	events    chan realtime.Event
	closeOnce sync.Once

	mu          sync.Mutex
	connected   bool
	closed      bool
	texts       []string
	commits     int
	toolResults map[string]string
}

func NewUpstream() *Upstream {
	return &Upstream{
		events:      make(chan realtime.Event, 64),
		toolResults: make(map[string]string),
	}
}

func (u *Upstream) Connect(ctx context.Context, cfg realtime.SessionConfig) error {
	if u.ConnectErr != nil {
		return u.ConnectErr
	}
	u.mu.Lock()
	u.connected = true
	u.mu.Unlock()
	return nil
}

func (u *Upstream) Events() <-chan realtime.Event { return u.events }

func (u *Upstream) SendAudio(audio.Frame) error { return nil }

func (u *Upstream) SendText(text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return core.ErrSessionClosed
	}
	u.texts = append(u.texts, text)
	return nil
}

func (u *Upstream) CommitAudioBuffer() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	return nil
}

func (u *Upstream) ClearAudioBuffer() error { return nil }

func (u *Upstream) CancelResponse() error { return nil }

func (u *Upstream) SendToolResult(callID, output string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.toolResults[callID] = output
	return nil
}

func (u *Upstream) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.closeOnce.Do(func() { close(u.events) })
	return nil
}

// Emit decodes a provider JSON event and delivers it to the session.
func (u *Upstream) Emit(raw string) error {
	ev, err := realtime.DecodeEvent([]byte(raw))
	if err != nil {
		return err
	}
	u.events <- ev
	return nil
}

func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *Upstream) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *Upstream) Texts() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.texts...)
}

func (u *Upstream) Commits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

func (u *Upstream) ToolResult(callID string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out, ok := u.toolResults[callID]
	return out, ok
}

// Downstream is a session.Downstream whose connection state is driven by
// the test.
type Downstream struct {
	AcceptErr error

	states chan media.ConnState

	mu     sync.Mutex
	closed bool
}

func NewDownstream() *Downstream {
	return &Downstream{states: make(chan media.ConnState, 16)}
}

func (d *Downstream) Accept(ctx context.Context, offer media.SessionDescription) (media.SessionDescription, error) {
	if d.AcceptErr != nil {
		return media.SessionDescription{}, d.AcceptErr
	}
	return media.SessionDescription{Type: "answer", SDP: "v=0\r\n"}, nil
}

func (d *Downstream) States() <-chan media.ConnState { return d.states }

// SetState reports a connection state change to the session.
func (d *Downstream) SetState(s media.ConnState) { d.states <- s }

func (d *Downstream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Downstream) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Pool hands out fresh fakes and remembers them in creation order.
type Pool struct {
	// ConnectErr and AcceptErr are copied into every new fake.
	ConnectErr error
	AcceptErr  error

	mu          sync.Mutex
	upstreams   []*Upstream
	downstreams []*Downstream
}

func (p *Pool) NewUpstream() session.Upstream {
	u := NewUpstream()
	p.mu.Lock()
	defer p.mu.Unlock()
	u.ConnectErr = p.ConnectErr
	p.upstreams = append(p.upstreams, u)
	return u
}

func (p *Pool) NewDownstream(inbound, outbound *audio.Queue) session.Downstream {
	d := NewDownstream()
	p.mu.Lock()
	defer p.mu.Unlock()
	d.AcceptErr = p.AcceptErr
	p.downstreams = append(p.downstreams, d)
	return d
}

// Last returns the most recent pair.
func (p *Pool) Last() (*Upstream, *Downstream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var u *Upstream
	var d *Downstream
	if n := len(p.upstreams); n > 0 {
		u = p.upstreams[n-1]
	}
	if n := len(p.downstreams); n > 0 {
		d = p.downstreams[n-1]
	}
	return u, d
}
