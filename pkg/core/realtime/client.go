// Package realtime is a client for OpenAI Realtime-compatible speech-to-speech
// endpoints over WebSocket.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
)

const DefaultURL = "wss://api.openai.com/v1/realtime"

var (
	// ErrBackpressure is returned when the outbound audio buffer is full.
	ErrBackpressure = errors.New("realtime: outbound buffer full")
	ErrNotConnected = errors.New("realtime: not connected")
)

type Options struct {
	URL    string
	Model  string
	APIKey string
	Header http.Header
	// Format is the PCM format of both input and output audio.
	Format audio.Format

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	AudioBuffer      int
	EventBuffer      int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client owns one upstream realtime session. Server events are delivered on
// Events in arrival order; the channel is closed after a final
// EventDisconnected.
type Client struct {
	opts   Options
	logger *slog.Logger

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	priority chan []byte
	normal   chan []byte
	events   chan Event
	done     chan struct{}

	connecting atomic.Bool
	live       atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once

	droppedAudio atomic.Uint64
}

func New(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DefaultFormat()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.AudioBuffer <= 0 {
		opts.AudioBuffer = 256
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		priority: make(chan []byte, 64),
		normal:   make(chan []byte, opts.AudioBuffer),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Events returns the server event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// DroppedAudio returns how many audio appends were refused for backpressure.
func (c *Client) DroppedAudio() uint64 {
	return c.droppedAudio.Load()
}

// Connect dials the endpoint, applies cfg with session.update and waits for
// the provider to acknowledge it. Transport failures return
// core.ErrUpstreamUnavailable; refused credentials or configuration return
// core.ErrUpstreamRejected.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return core.ErrSessionClosed
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("realtime: connect called twice")
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	header := http.Header{}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if header.Get("OpenAI-Beta") == "" {
		header.Set("OpenAI-Beta", "realtime=v1")
	}

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.opts.HandshakeTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return dialError(ctx, resp, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	pending, err := c.handshake(ctx, conn, cfg)
	if !stop() && err == nil {
		err = core.ErrUpstreamUnavailable.Wrap(ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, ev := range pending {
		c.events <- ev
	}
	c.live.Store(true)

	w := &outboundWriter{
		ws:           conn,
		ctx:          c.ctx,
		pingInterval: c.opts.PingInterval,
		writeTimeout: c.opts.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(); err != nil {
			c.logger.Warn("realtime writer stopped", "error", err)
			_ = conn.Close()
		}
	}()
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", core.NewConfigurationErrorWithParam("invalid upstream URL", "upstream_url").Wrap(err)
	}
	if c.opts.Model != "" {
		q := u.Query()
		q.Set("model", c.opts.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, cfg SessionConfig) ([]Event, error) {
	// A context deadline is enforced by closing the conn; the socket deadline
	// only backs it up so ctx.Err() is what callers see.
	deadline, ok := ctx.Deadline()
	if ok {
		deadline = deadline.Add(time.Second)
	} else {
		deadline = time.Now().Add(c.opts.HandshakeTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	update, err := encodeSessionUpdate(cfg)
	if err != nil {
		return nil, core.NewConfigurationError("encode session.update").Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		return nil, handshakeError(ctx, err)
	}

	var pending []Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, handshakeError(ctx, err)
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventError:
			return nil, core.ErrUpstreamRejected.WithMessage("upstream rejected session: %s", ev.Error.Message).Wrap(ev.Error)
		case EventSessionUpdated:
			pending = append(pending, ev)
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return pending, nil
		default:
			pending = append(pending, ev)
		}
	}
}

func handshakeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return core.ErrUpstreamUnavailable.Wrap(ctx.Err())
	}
	return core.ErrUpstreamUnavailable.Wrap(err)
}

func dialError(ctx context.Context, resp *http.Response, err error) error {
	if ctx.Err() != nil {
		return core.ErrUpstreamUnavailable.Wrap(ctx.Err())
	}
	if resp == nil {
		return core.ErrUpstreamUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	code := resp.StatusCode
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return core.ErrUpstreamRejected.Wrap(detail)
	}
	return core.ErrUpstreamUnavailable.Wrap(detail)
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.emitTerminal(err)
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			ev = Event{Type: EventMalformed, Err: err}
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) emitTerminal(err error) {
	c.live.Store(false)
	ev := Event{Type: EventDisconnected}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
		ev.Err = core.NewTransportError("upstream connection lost", err)
	}
	if c.closed.Load() {
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	c.emit(ev)
}

func (c *Client) ready() error {
	if c.closed.Load() {
		return core.ErrSessionClosed
	}
	if !c.live.Load() {
		return ErrNotConnected
	}
	return nil
}

// SendAudio queues one frame for input_audio_buffer.append. It never waits on
// the network; a full buffer returns ErrBackpressure and the frame is dropped.
func (c *Client) SendAudio(f audio.Frame) error {
	if err := c.ready(); err != nil {
		return err
	}
	if f.Format != c.opts.Format {
		return core.ErrRateMismatch.WithMessage("upstream expects %d Hz audio, got %d Hz", c.opts.Format.SampleRate, f.Format.SampleRate)
	}
	msg, err := encodeAudioAppend(f.PCM)
	if err != nil {
		return err
	}
	select {
	case c.normal <- msg:
		return nil
	default:
		c.droppedAudio.Add(1)
		return ErrBackpressure
	}
}

// SendText injects a user text turn and asks for a response.
func (c *Client) SendText(text string) error {
	msg, err := encodeUserText(text)
	if err != nil {
		return err
	}
	return c.sendControl(msg, encodeSimple("response.create"))
}

// CommitAudioBuffer ends the current input turn and asks for a response.
func (c *Client) CommitAudioBuffer() error {
	return c.sendControl(encodeSimple("input_audio_buffer.commit"), encodeSimple("response.create"))
}

// ClearAudioBuffer discards uncommitted input audio.
func (c *Client) ClearAudioBuffer() error {
	return c.sendControl(encodeSimple("input_audio_buffer.clear"))
}

// CancelResponse cancels the in-flight response, if any.
func (c *Client) CancelResponse() error {
	return c.sendControl(encodeSimple("response.cancel"))
}

// SendToolResult resolves a function call and asks for a follow-up response.
func (c *Client) SendToolResult(callID, output string) error {
	if strings.TrimSpace(callID) == "" {
		return core.NewConfigurationErrorWithParam("call_id is required", "call_id")
	}
	msg, err := encodeToolResult(callID, output)
	if err != nil {
		return err
	}
	return c.sendControl(msg, encodeSimple("response.create"))
}

func (c *Client) sendControl(msgs ...[]byte) error {
	if err := c.ready(); err != nil {
		return err
	}
	for _, msg := range msgs {
		select {
		case c.priority <- msg:
		case <-c.ctx.Done():
			return core.ErrSessionClosed
		default:
			return ErrBackpressure
		}
	}
	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.live.Store(false)
		if c.cancel == nil {
			return
		}
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			_ = c.conn.Close()
		}
	})
	return nil
}
