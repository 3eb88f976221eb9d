// Package session implements the Bridge Session: the per-conversation
// orchestrator that owns one upstream realtime connection and one browser
// media connection, pumps audio between them and records every event.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
	"github.com/vango-go/vai-bridge/pkg/core/collab"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/media"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
)

// Bridge-internal event types. Upstream events are recorded under the
// provider's own type names.
const (
	EventState          = "bridge.state"
	EventError          = "bridge.error"
	EventUserText       = "bridge.user_text"
	EventCommit         = "bridge.commit"
	EventForward        = "bridge.forward"
	EventToolResult     = "bridge.tool_result"
	EventDownstream     = "bridge.downstream_state"
	EventPaused         = "bridge.paused"
	EventReset          = "bridge.reset"
	EventProtocolError  = "bridge.protocol_error"
	EventCollabRejected = "bridge.collab_rejected"
)

const (
	DirectionInbound  = "browser_to_upstream"
	DirectionOutbound = "upstream_to_browser"
)

// Upstream is the realtime model connection. *realtime.Client implements it.
type Upstream interface {
	Connect(ctx context.Context, cfg realtime.SessionConfig) error
	Events() <-chan realtime.Event
	SendAudio(f audio.Frame) error
	SendText(text string) error
	CommitAudioBuffer() error
	ClearAudioBuffer() error
	CancelResponse() error
	SendToolResult(callID, output string) error
	Close() error
}

// Downstream is the browser media connection. *media.Endpoint implements it.
type Downstream interface {
	Accept(ctx context.Context, offer media.SessionDescription) (media.SessionDescription, error)
	States() <-chan media.ConnState
	Close() error
}

// DownstreamFactory builds the browser endpoint around the session queues:
// browser audio is pushed into inbound and playback is pulled from outbound.
type DownstreamFactory func(inbound, outbound *audio.Queue) Downstream

// Recorder appends event records. *eventlog.Log implements it.
type Recorder interface {
	Append(ctx context.Context, rec eventlog.Record) (eventlog.Record, error)
}

// Metrics receives session counters.
type Metrics interface {
	StateChanged(from, to State)
	EventRecorded(source eventlog.Source, err error)
	ToolCall(name, outcome string)
	AudioDropped(direction string, n int)
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(State, State) {}
func (noopMetrics) EventRecorded(eventlog.Source, error) {}
func (noopMetrics) ToolCall(string, string) {}
func (noopMetrics) AudioDropped(string, int) {}

type Config struct {
	ConversationID  string
	AgentName       string
	Realtime        realtime.SessionConfig
	Format          audio.Format
	InboundFrames   int
	OutboundFrames  int
	// StagedFrames caps assistant audio held back while the outbound queue
	// is full; the oldest staged frames are dropped past it.
	StagedFrames    int
	ConnectTimeout  time.Duration
	ToolTimeout     time.Duration
	DisconnectGrace time.Duration
	RecordTimeout   time.Duration
}

type Dependencies struct {
	Config        Config
	Upstream      Upstream
	NewDownstream DownstreamFactory
	Log           Recorder
	Nested        *collab.Bus
	Code          *collab.Bus
	Metrics       Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Session is one live bridge. Its state is owned by the goroutine running
// Start and, once active, by the run loop; other goroutines talk to it only
// through the command channel and Stop.
type Session struct {
	id      string
	cfg     Config
	up      Upstream
	newDown DownstreamFactory
	down    Downstream
	log     Recorder
	nested  *collab.Bus
	code    *collab.Bus
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time

	inbound  *audio.Queue
	outbound *audio.Queue

	nestedPort *collab.Port
	codePort   *collab.Port

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	started   atomic.Bool
	startedAt atomic.Int64
	paused    atomic.Bool
	events    atomic.Int64
	failures  atomic.Int64

	cmds         chan command
	upEvents     chan realtime.Event
	fatal        chan error
	toolTimeouts chan string
	clearStaged  chan struct{}

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason atomic.Value

	// loop-owned
	pending    map[string]*pendingCall
	responding bool

	mu  sync.Mutex
	err error

	pumps sync.WaitGroup
	done  chan struct{}
}

func New(deps Dependencies) (*Session, error) {
	cfg := deps.Config
	if strings.TrimSpace(cfg.ConversationID) == "" {
		return nil, core.NewConfigurationErrorWithParam("conversation id is required", "conversation_id")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if deps.NewDownstream == nil {
		return nil, fmt.Errorf("downstream factory is required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Realtime.TurnDetection.Type == "" {
		cfg.Realtime.TurnDetection = realtime.DefaultTurnDetection()
	}
	if cfg.Realtime.Tools == nil {
		cfg.Realtime.Tools = DefaultTools()
	}
	if err := cfg.Realtime.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.InboundFrames <= 0 {
		cfg.InboundFrames = 25
	}
	if cfg.OutboundFrames <= 0 {
		cfg.OutboundFrames = 32
	}
	if cfg.StagedFrames <= 0 {
		cfg.StagedFrames = 8 * cfg.OutboundFrames
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 5 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           cfg.ConversationID,
		cfg:          cfg,
		up:           deps.Upstream,
		newDown:      deps.NewDownstream,
		log:          deps.Log,
		nested:       deps.Nested,
		code:         deps.Code,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With("conversation_id", cfg.ConversationID),
		now:          deps.Now,
		inbound:      audio.NewQueue(cfg.Format, cfg.InboundFrames, audio.DropOldest),
		outbound:     audio.NewQueue(cfg.Format, cfg.OutboundFrames, audio.Block),
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(chan command),
		upEvents:     make(chan realtime.Event, 256),
		fatal:        make(chan error, 1),
		toolTimeouts: make(chan string, 16),
		clearStaged:  make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		pending:      make(map[string]*pendingCall),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateCreated))
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached Closed or Error and released every
// resource it owns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of an Error termination.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session is done or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ConversationID string    `json:"conversation_id"`
	AgentName      string    `json:"agent_name,omitempty"`
	Voice          string    `json:"voice"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	Events         int64     `json:"events"`
	RecordFailures int64     `json:"record_failures"`
	Paused         bool      `json:"paused"`
	InboundDropped uint64    `json:"inbound_dropped"`
	OutboundQueued int       `json:"outbound_queued"`
}

func (s *Session) Info() Info {
	info := Info{
		ConversationID: s.id,
		AgentName:      s.cfg.AgentName,
		Voice:          s.cfg.Realtime.Voice,
		State:          s.State(),
		Events:         s.events.Load(),
		RecordFailures: s.failures.Load(),
		Paused:         s.paused.Load(),
		InboundDropped: s.inbound.Dropped(),
		OutboundQueued: s.outbound.Len(),
	}
	if ns := s.startedAt.Load(); ns != 0 {
		info.StartedAt = time.Unix(0, ns).UTC()
	}
	return info
}

// Start connects the upstream first, then answers the browser offer. Both
// phases share the connect timeout. On failure every connected side is torn
// down, the cause is recorded and the session ends in Error.
func (s *Session) Start(ctx context.Context, offer media.SessionDescription) (media.SessionDescription, error) {
	if !s.started.CompareAndSwap(false, true) {
		switch s.State() {
		case StateConnectingUpstream, StateConnectingDownstream, StateActive:
			return media.SessionDescription{}, core.ErrAlreadyActive
		}
		return media.SessionDescription{}, core.ErrSessionClosed
	}
	if err := media.CheckOffer(offer); err != nil {
		s.teardown(StateError, "invalid_offer", err)
		return media.SessionDescription{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-cctx.Done():
		}
	}()

	s.setState(StateConnectingUpstream, "", nil)
	if err := s.up.Connect(cctx, s.cfg.Realtime); err != nil {
		return media.SessionDescription{}, s.abortConnect(ctx, cctx, "upstream", err)
	}

	s.setState(StateConnectingDownstream, "", nil)
	s.down = s.newDown(s.inbound, s.outbound)
	answer, err := s.down.Accept(cctx, offer)
	if err != nil {
		return media.SessionDescription{}, s.abortConnect(ctx, cctx, "downstream", err)
	}

	if s.nested != nil {
		s.nestedPort = s.nested.Attach(s.id)
	}
	if s.code != nil {
		s.codePort = s.code.Attach(s.id)
	}
	s.startedAt.Store(s.now().UnixNano())
	s.setState(StateActive, "", map[string]any{
		"voice": s.cfg.Realtime.Voice,
		"agent": s.cfg.AgentName,
	})
	s.logger.Info("bridge session active", "voice", s.cfg.Realtime.Voice)

	s.pumps.Add(2)
	go s.pumpInbound()
	go s.pumpUpstream()
	go s.run()
	return answer, nil
}

func (s *Session) abortConnect(parent, cctx context.Context, phase string, err error) error {
	select {
	case <-s.stopCh:
		s.teardown(StateClosed, s.reason(), nil)
		return core.ErrSessionClosed
	default:
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, core.ErrConnectTimeout) {
		err = core.ErrConnectTimeout.WithMessage("bridge connect timed out during %s phase", phase).Wrap(err)
	}
	s.logger.Warn("bridge connect failed", "phase", phase, "error", err)
	s.teardown(StateError, "connect_"+phase+"_failed", err)
	return err
}

// Stop requests an asynchronous transition to Stopping. It is idempotent and
// returns immediately; use Done or Wait to observe completion.
func (s *Session) Stop(reason string) {
	if reason == "" {
		reason = "stopped"
	}
	s.stopOnce.Do(func() {
		s.stopReason.Store(reason)
		close(s.stopCh)
	})
	// nobody else will finish a session that never started
	if s.started.CompareAndSwap(false, true) {
		s.teardown(StateClosed, reason, nil)
	}
}

// Discard releases a session that never started. Unlike Stop it records
// nothing, so a losing duplicate cannot write into the winner's log. It is a
// no-op once Start or Stop has run.
func (s *Session) Discard() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.stopOnce.Do(func() {
		s.stopReason.Store("discarded")
		close(s.stopCh)
	})
	s.cancel()
	s.inbound.Close()
	s.outbound.Close()
	if err := s.up.Close(); err != nil {
		s.logger.Debug("discarded upstream close failed", "error", err)
	}
	close(s.done)
}

func (s *Session) reason() string {
	if r, ok := s.stopReason.Load().(string); ok {
		return r
	}
	return "stopped"
}

// SendText injects a synthetic user turn upstream.
func (s *Session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return core.NewConfigurationErrorWithParam("text is required", "text")
	}
	return s.do(command{kind: cmdSendText, text: text})
}

// Commit closes the current input turn manually.
func (s *Session) Commit() error {
	return s.do(command{kind: cmdCommit})
}

// Forward delivers text to the named collaborator's channel.
func (s *Session) Forward(target Target, text string) error {
	if !target.Valid() {
		return core.NewConfigurationErrorWithParam(fmt.Sprintf("unknown target %q", target), "target")
	}
	if strings.TrimSpace(text) == "" {
		return core.NewConfigurationErrorWithParam("text is required", "text")
	}
	return s.do(command{kind: cmdForward, target: target, text: text})
}

func (s *Session) do(cmd command) error {
	switch st := s.State(); {
	case st.Terminal() || st == StateStopping:
		return core.ErrSessionClosed
	case st != StateActive:
		return core.ErrSessionNotActive.WithMessage("bridge session is %s", st)
	}
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.stopCh:
		return core.ErrSessionClosed
	case <-s.done:
		return core.ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return core.ErrSessionClosed
	}
}

func (s *Session) setState(to State, reason string, extra map[string]any) {
	from := s.State()
	if !canTransition(from, to) {
		s.logger.Error("invalid bridge state transition", "from", from.String(), "to", to.String())
		return
	}
	s.state.Store(int32(to))
	s.metrics.StateChanged(from, to)

	payload := map[string]any{"state": to, "from": from}
	if reason != "" {
		payload["reason"] = reason
	}
	maps.Copy(payload, extra)
	s.record(eventlog.SourceController, EventState, payload)
}

// record appends one event. Persistence failures are logged and counted; the
// session carries on.
func (s *Session) record(source eventlog.Source, typ string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordTimeout)
	defer cancel()

	_, err := s.log.Append(ctx, eventlog.Record{
		ConversationID: s.id,
		At:             s.now().UTC(),
		Source:         source,
		Type:           typ,
		Payload:        encodePayload(payload),
	})
	s.events.Add(1)
	s.metrics.EventRecorded(source, err)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("bridge event not persisted", "source", string(source), "type", typ, "error", err)
	}
}

func (s *Session) recordError(err error) {
	payload := map[string]any{"error": err.Error()}
	var ce *core.Error
	if errors.As(err, &ce) {
		payload["type"] = ce.Type
		if ce.Code != "" {
			payload["code"] = ce.Code
		}
	}
	s.record(eventlog.SourceController, EventError, payload)
}

func encodePayload(v any) json.RawMessage {
	switch v := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return b
}

// teardown releases every owned resource and settles the final state. It
// runs exactly once, on whichever goroutine ends the session.
func (s *Session) teardown(final State, reason string, cause error) {
	if final == StateClosed && canTransition(s.State(), StateStopping) {
		s.setState(StateStopping, reason, nil)
	}
	s.cancel()

	discardedIn := s.inbound.Close()
	discardedOut := s.outbound.Close()

	var g errgroup.Group
	g.Go(s.up.Close)
	if s.down != nil {
		g.Go(s.down.Close)
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("bridge teardown close failed", "error", err)
	}
	s.pumps.Wait()

	for id, call := range s.pending {
		call.timer.Stop()
		delete(s.pending, id)
	}
	if s.nestedPort != nil {
		s.nestedPort.Close()
	}
	if s.codePort != nil {
		s.codePort.Close()
	}
	if n := s.inbound.Dropped(); n > 0 {
		s.metrics.AudioDropped(DirectionInbound, int(n))
	}

	if cause != nil {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		s.recordError(cause)
		s.logger.Error("bridge session failed", "reason", reason, "error", cause)
	} else {
		s.logger.Info("bridge session closed", "reason", reason)
	}
	s.setState(final, reason, map[string]any{
		"discarded_inbound":  discardedIn,
		"discarded_outbound": discardedOut,
	})
	close(s.done)
}
