// Package eventlog persists conversation events and fans them out to live
// observers.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// Log assigns per-conversation sequence numbers, persists records and
// broadcasts them. Appends for one conversation are serialized, so the live
// stream and the store see the same order.
type Log struct {
	store  Store
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*sequencer
}

type sequencer struct {
	mu     sync.Mutex
	last   int64
	loaded bool

	// guarded by Log.mu
	refs   int
	forget bool
	// dirty is set once a numbered record failed to persist; reloading
	// from the store would hand that number out again.
	dirty bool
}

type Options struct {
	SubscriberBuffer int
	Logger           *slog.Logger
	Now              func() time.Time
}

func New(store Store, opts Options) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:  store,
		hub:    NewHub(opts.SubscriberBuffer),
		logger: logger,
		now:    now,
		convs:  make(map[string]*sequencer),
	}
}

// Hub exposes the broadcaster.
func (l *Log) Hub() *Hub {
	return l.hub
}

func (l *Log) sequencerFor(conversationID string) *sequencer {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.convs[conversationID]
	if s == nil {
		s = &sequencer{}
		l.convs[conversationID] = s
	}
	s.refs++
	s.forget = false
	return s
}

func (l *Log) release(conversationID string, s *sequencer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	// a sequencer that never loaded carries nothing worth keeping
	if s.refs == 0 && (s.forget || !s.loaded) && !s.dirty && l.convs[conversationID] == s {
		delete(l.convs, conversationID)
	}
}

// Forget drops the in-memory sequence state of a conversation that went
// quiet. The next Append reloads it from the store. State that holds a
// number the store never saw is kept.
func (l *Log) Forget(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.convs[conversationID]
	if s == nil || s.dirty {
		return
	}
	if s.refs > 0 {
		s.forget = true
		return
	}
	delete(l.convs, conversationID)
}

// Tracked reports how many conversations hold in-memory sequence state.
func (l *Log) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}

// load must be called with s.mu held.
func (l *Log) load(ctx context.Context, s *sequencer, conversationID string) error {
	if s.loaded {
		return nil
	}
	last, err := l.store.LastSeq(ctx, conversationID)
	if err != nil {
		return err
	}
	s.last = last
	s.loaded = true
	return nil
}

// Append assigns the next sequence number, stores rec and broadcasts it.
// A failed insert still broadcasts the record and returns a persistence
// error; the sequence number stays consumed so live observers never see a
// gap. If the sequence cannot be established at all nothing is broadcast.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ConversationID == "" {
		return Record{}, core.NewConfigurationErrorWithParam("conversation id is required", "conversation_id")
	}
	if !rec.Source.Valid() {
		return Record{}, core.NewConfigurationErrorWithParam("unknown event source "+string(rec.Source), "source")
	}

	s := l.sequencerFor(rec.ConversationID)
	defer l.release(rec.ConversationID, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := l.load(ctx, s, rec.ConversationID); err != nil {
		return Record{}, core.NewPersistenceError("load event sequence", err)
	}

	s.last++
	rec.Seq = s.last
	if rec.At.IsZero() {
		rec.At = l.now().UTC()
	}

	insertErr := l.store.InsertEvent(ctx, rec)
	l.hub.Publish(rec)
	if insertErr != nil {
		l.mu.Lock()
		s.dirty = true
		l.mu.Unlock()
		l.logger.Warn("event log append failed",
			"conversation_id", rec.ConversationID,
			"seq", rec.Seq,
			"source", string(rec.Source),
			"type", rec.Type,
			"error", insertErr,
		)
		return rec, core.NewPersistenceError("append event", insertErr)
	}
	return rec, nil
}

// Broadcast publishes rec to live observers without persisting it.
func (l *Log) Broadcast(rec Record) {
	l.hub.Publish(rec)
}

// ReplayFrom returns stored records with seq > afterSeq in order.
func (l *Log) ReplayFrom(ctx context.Context, conversationID string, afterSeq int64) ([]Record, error) {
	recs, err := l.store.EventsAfter(ctx, conversationID, afterSeq, 0)
	if err != nil {
		return nil, core.NewPersistenceError("replay events", err)
	}
	return recs, nil
}

// Subscribe replays stored records after afterSeq and then follows live
// appends, without duplicates or gaps between the two. The subscription ends
// when ctx is done or Close is called.
func (l *Log) Subscribe(ctx context.Context, conversationID string, afterSeq int64) (*Subscription, error) {
	s := l.sequencerFor(conversationID)
	defer l.release(conversationID, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog, err := l.store.EventsAfter(ctx, conversationID, afterSeq, 0)
	if err != nil {
		return nil, core.NewPersistenceError("replay events", err)
	}
	return l.hub.subscribe(ctx, conversationID, afterSeq, backlog), nil
}
