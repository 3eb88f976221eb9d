// Package bridge is the control surface over live bridge sessions. It owns
// the session registry and composes each session from the configured
// upstream, browser endpoint, event log and collaborator buses.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/collab"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/media"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/sessions"
)

// ErrDraining rejects new bridges while the process shuts down.
var ErrDraining = &core.Error{Type: core.ErrAPI, Code: "draining", Message: "bridge service is draining"}

// Metrics extends the per-session counters with process-level ones.
type Metrics interface {
	session.Metrics
	SessionEnded(final session.State, lifetime time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(session.State, session.State) {}
func (noopMetrics) EventRecorded(eventlog.Source, error) {}
func (noopMetrics) ToolCall(string, string) {}
func (noopMetrics) AudioDropped(string, int) {}
func (noopMetrics) SessionEnded(session.State, time.Duration) {}

type Options struct {
	Store         eventlog.Store
	Log           *eventlog.Log
	Registry      *sessions.Registry[*session.Session]
	Nested        *collab.Bus
	Code          *collab.Bus
	NewUpstream   func() session.Upstream
	NewDownstream session.DownstreamFactory
	// Defaults seeds every session; requests override voice, instructions
	// and turn detection.
	Defaults      session.Config
	AllowedVoices []string
	Metrics       Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager implements create, stop and the in-session commands.
type Manager struct {
	store         eventlog.Store
	log           *eventlog.Log
	registry      *sessions.Registry[*session.Session]
	nested        *collab.Bus
	code          *collab.Bus
	newUpstream   func() session.Upstream
	newDownstream session.DownstreamFactory
	defaults      session.Config
	voices        []string
	metrics       Metrics
	logger        *slog.Logger
	now           func() time.Time

	draining atomic.Bool
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if opts.NewUpstream == nil {
		return nil, fmt.Errorf("upstream factory is required")
	}
	if opts.NewDownstream == nil {
		return nil, fmt.Errorf("downstream factory is required")
	}
	if opts.Registry == nil {
		opts.Registry = sessions.New[*session.Session]()
	}
	if opts.Nested == nil {
		opts.Nested = collab.NewBus(eventlog.SourceNestedAgent, 0)
	}
	if opts.Code == nil {
		opts.Code = collab.NewBus(eventlog.SourceClaudeCode, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:         opts.Store,
		log:           opts.Log,
		registry:      opts.Registry,
		nested:        opts.Nested,
		code:          opts.Code,
		newUpstream:   opts.NewUpstream,
		newDownstream: opts.NewDownstream,
		defaults:      opts.Defaults,
		voices:        slices.Clone(opts.AllowedVoices),
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           opts.Now,
	}, nil
}

type CreateRequest struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Name           string                   `json:"name,omitempty"`
	Offer          media.SessionDescription `json:"offer"`
	Voice          string                   `json:"voice,omitempty"`
	Instructions   string                   `json:"instructions,omitempty"`
	TurnDetection  *realtime.TurnDetection  `json:"turn_detection,omitempty"`
}

type CreateResult struct {
	ConversationID string                   `json:"conversation_id"`
	Answer         media.SessionDescription `json:"answer"`
	State          session.State            `json:"state"`
}

// Create starts a bridge for the conversation, creating the conversation on
// first use. It returns once the session is Active or has failed; a failed
// session never stays in the registry.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if m.draining.Load() {
		return CreateResult{}, ErrDraining
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		id = uuid.NewString()
	}

	cfg := m.defaults
	cfg.ConversationID = id
	if v := strings.TrimSpace(req.Voice); v != "" {
		cfg.Realtime.Voice = v
	}
	if err := m.checkVoice(cfg.Realtime.Voice); err != nil {
		return CreateResult{}, err
	}
	if req.Instructions != "" {
		cfg.Realtime.Instructions = req.Instructions
	}
	if req.TurnDetection != nil {
		cfg.Realtime.TurnDetection = *req.TurnDetection
	}
	if err := media.CheckOffer(req.Offer); err != nil {
		return CreateResult{}, err
	}
	// Reject duplicates before touching the store or dialing anything.
	if _, ok := m.registry.Lookup(id); ok {
		return CreateResult{}, core.ErrAlreadyActive.WithMessage("a bridge session is already active for conversation %q", id)
	}

	if _, err := m.store.EnsureConversation(ctx, eventlog.Conversation{
		ID:    id,
		Name:  req.Name,
		Voice: cfg.Realtime.Voice,
	}); err != nil {
		return CreateResult{}, core.NewPersistenceError("ensure conversation", err)
	}

	sess, err := session.New(session.Dependencies{
		Config:        cfg,
		Upstream:      m.newUpstream(),
		NewDownstream: m.newDownstream,
		Log:           m.log,
		Nested:        m.nested,
		Code:          m.code,
		Metrics:       m.metrics,
		Logger:        m.logger,
		Now:           m.now,
	})
	if err != nil {
		return CreateResult{}, err
	}
	if err := m.registry.Reserve(id, sess); err != nil {
		sess.Discard()
		return CreateResult{}, err
	}

	started := m.now()
	answer, err := sess.Start(ctx, req.Offer)
	if err != nil {
		m.registry.Release(id, sess)
		m.log.Forget(id)
		m.metrics.SessionEnded(sess.State(), m.now().Sub(started))
		m.logger.Warn("bridge create failed", "conversation_id", id, "error", err)
		return CreateResult{}, err
	}

	go m.watch(sess, started)

	m.logger.Info("bridge active", "conversation_id", id, "voice", cfg.Realtime.Voice)
	return CreateResult{ConversationID: id, Answer: answer, State: sess.State()}, nil
}

func (m *Manager) watch(sess *session.Session, started time.Time) {
	<-sess.Done()
	end := m.now()
	m.metrics.SessionEnded(sess.State(), end.Sub(started))
	m.log.Forget(sess.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.TouchConversation(ctx, sess.ID(), end); err != nil {
		m.logger.Warn("touch conversation failed", "conversation_id", sess.ID(), "error", err)
	}
	attrs := []any{"conversation_id", sess.ID(), "state", sess.State().String()}
	if err := sess.Err(); err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Info("bridge ended", attrs...)
}

func (m *Manager) checkVoice(voice string) error {
	if strings.TrimSpace(voice) == "" {
		return core.NewConfigurationErrorWithParam("voice is required", "voice")
	}
	if len(m.voices) > 0 && !slices.Contains(m.voices, voice) {
		return core.NewConfigurationErrorWithParam(fmt.Sprintf("voice %q is not allowed", voice), "voice")
	}
	return nil
}

// Stop ends the live session for id. The id is free for a new session as
// soon as Stop returns.
func (m *Manager) Stop(id string) error {
	sess, ok := m.registry.Take(id)
	if !ok {
		return core.ErrSessionNotFound.WithMessage("no live bridge session for conversation %q", id)
	}
	sess.Stop("stopped")
	return nil
}

// ForceStop is Stop without the not-found error; it always succeeds.
func (m *Manager) ForceStop(id string) {
	if sess, ok := m.registry.Take(id); ok {
		sess.Stop("force_stopped")
	}
}

func (m *Manager) lookup(id string) (*session.Session, error) {
	sess, ok := m.registry.Lookup(id)
	if !ok {
		return nil, core.ErrSessionNotFound.WithMessage("no live bridge session for conversation %q", id)
	}
	return sess, nil
}

func (m *Manager) SendText(id, text string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.SendText(text)
}

func (m *Manager) Commit(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.Commit()
}

func (m *Manager) Forward(id string, target session.Target, text string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.Forward(target, text)
}

// Live returns a snapshot of every registered session.
func (m *Manager) Live() []session.Info {
	snap := m.registry.Snapshot()
	out := make([]session.Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}

// Info returns the live session for id.
func (m *Manager) Info(id string) (session.Info, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Info(), nil
}

func (m *Manager) CreateConversation(ctx context.Context, c eventlog.Conversation) (eventlog.Conversation, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Voice != "" {
		if err := m.checkVoice(c.Voice); err != nil {
			return eventlog.Conversation{}, err
		}
	}
	now := m.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return m.store.CreateConversation(ctx, c)
}

func (m *Manager) ListConversations(ctx context.Context, limit int) ([]eventlog.Conversation, error) {
	return m.store.ListConversations(ctx, limit)
}

func (m *Manager) GetConversation(ctx context.Context, id string) (eventlog.Conversation, error) {
	return m.store.GetConversation(ctx, id)
}

// Subscribe attaches an observer to a known conversation, replaying records
// after afterSeq before following live ones.
func (m *Manager) Subscribe(ctx context.Context, id string, afterSeq int64) (*eventlog.Subscription, error) {
	if afterSeq < 0 {
		return nil, core.NewConfigurationErrorWithParam("after must be >= 0", "after")
	}
	if _, err := m.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return m.log.Subscribe(ctx, id, afterSeq)
}

func (m *Manager) Replay(ctx context.Context, id string, afterSeq int64) ([]eventlog.Record, error) {
	if _, err := m.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return m.log.ReplayFrom(ctx, id, afterSeq)
}

// Bus returns the collaborator bus for source.
func (m *Manager) Bus(source eventlog.Source) (*collab.Bus, error) {
	switch source {
	case eventlog.SourceNestedAgent:
		return m.nested, nil
	case eventlog.SourceClaudeCode:
		return m.code, nil
	default:
		return nil, core.NewConfigurationErrorWithParam(fmt.Sprintf("unknown collaborator %q", source), "source")
	}
}

func (m *Manager) Count() int {
	return m.registry.Count()
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// Shutdown rejects new bridges, stops every live session and waits for their
// teardown until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)
	n := m.registry.StopAll("shutdown")
	if n > 0 {
		m.logger.Info("stopping live bridges", "count", n)
	}
	if !m.registry.Wait(ctx) {
		return fmt.Errorf("bridge shutdown: %w", ctx.Err())
	}
	return nil
}
