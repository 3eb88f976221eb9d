package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := Open(context.Background(), DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(conv, typ string) Record {
	return Record{ConversationID: conv, Source: SourceVoice, Type: typ, Payload: json.RawMessage(`{"ok":true}`)}
}

func recv(t *testing.T, sub *Subscription) Record {
	t.Helper()
	select {
	case r, ok := <-sub.Records():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for record")
	}
	return Record{}
}

func TestLog_AppendAssignsGaplessSequence(t *testing.T) {
	store := newTestStore(t)
	l := New(store, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		got, err := l.Append(ctx, rec("c1", fmt.Sprintf("t%d", i)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if got.Seq != int64(i) {
			t.Fatalf("seq=%d, want %d", got.Seq, i)
		}
		if got.At.IsZero() {
			t.Fatalf("expected timestamp")
		}
	}
	if got, _ := l.Append(ctx, rec("c2", "other")); got.Seq != 1 {
		t.Fatalf("seq for second conversation = %d, want 1", got.Seq)
	}

	stored, err := l.ReplayFrom(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(stored) != 5 {
		t.Fatalf("stored=%d, want 5", len(stored))
	}
	for i, r := range stored {
		if r.Seq != int64(i+1) || r.Type != fmt.Sprintf("t%d", i+1) {
			t.Fatalf("record %d = %+v", i, r)
		}
		if string(r.Payload) != `{"ok":true}` {
			t.Fatalf("payload=%s", r.Payload)
		}
	}
}

func TestLog_SequenceResumesFromStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := New(store, Options{})
	for i := 0; i < 3; i++ {
		if _, err := first.Append(ctx, rec("c1", "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	second := New(store, Options{})
	got, err := second.Append(ctx, rec("c1", "y"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got.Seq != 4 {
		t.Fatalf("seq=%d, want 4", got.Seq)
	}
}

func TestLog_ForgetReleasesSequenceState(t *testing.T) {
	l := New(newTestStore(t), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, rec("c1", "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	sub, err := l.Subscribe(ctx, "quiet", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	if n := l.Tracked(); n != 1 {
		t.Fatalf("tracked=%d, want 1 (subscribe alone keeps nothing)", n)
	}

	l.Forget("c1")
	l.Forget("never-seen")
	if n := l.Tracked(); n != 0 {
		t.Fatalf("tracked=%d after Forget, want 0", n)
	}

	got, err := l.Append(ctx, rec("c1", "y"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got.Seq != 4 {
		t.Fatalf("seq after Forget=%d, want 4", got.Seq)
	}
}

func TestLog_ForgetKeepsUnpersistedSequence(t *testing.T) {
	store := &failingStore{SQLStore: newTestStore(t)}
	l := New(store, Options{})
	ctx := context.Background()

	if _, err := l.Append(ctx, rec("c1", "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.fail = true
	if _, err := l.Append(ctx, rec("c1", "b")); err == nil {
		t.Fatalf("expected persistence error")
	}
	store.fail = false

	l.Forget("c1")
	if n := l.Tracked(); n != 1 {
		t.Fatalf("tracked=%d, want 1", n)
	}
	if got, _ := l.Append(ctx, rec("c1", "c")); got.Seq != 3 {
		t.Fatalf("seq=%d, want 3 (2 was already broadcast)", got.Seq)
	}
}

func TestLog_AppendValidates(t *testing.T) {
	l := New(newTestStore(t), Options{})
	if _, err := l.Append(context.Background(), Record{Source: SourceVoice, Type: "x"}); err == nil {
		t.Fatalf("expected error for missing conversation id")
	}
	if _, err := l.Append(context.Background(), Record{ConversationID: "c1", Source: "robot", Type: "x"}); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestLog_SubscribeReplaysThenFollowsLive(t *testing.T) {
	l := New(newTestStore(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, rec("c1", "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := l.Subscribe(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 2; i++ {
		if _, err := l.Append(ctx, rec("c1", "live")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	for want := int64(3); want <= 7; want++ {
		if got := recv(t, sub); got.Seq != want {
			t.Fatalf("seq=%d, want %d", got.Seq, want)
		}
	}
	select {
	case r := <-sub.Records():
		t.Fatalf("unexpected extra record %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLog_SubscribeDuringConcurrentAppendsHasNoGapsOrDuplicates(t *testing.T) {
	l := New(newTestStore(t), Options{SubscriberBuffer: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(4)
	for w := 0; w < 4; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				if _, err := l.Append(ctx, rec("c1", "x")); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	sub, err := l.Subscribe(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for want := int64(1); want <= total; want++ {
		if got := recv(t, sub); got.Seq != want {
			t.Fatalf("seq=%d, want %d", got.Seq, want)
		}
	}
	wg.Wait()
}

func TestLog_SubscriptionEndsWithContext(t *testing.T) {
	l := New(newTestStore(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := l.Subscribe(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.Records():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription did not end with context")
	}
	if l.Hub().Count() != 0 {
		t.Fatalf("hub still holds %d subscriptions", l.Hub().Count())
	}
}

func TestHub_SlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	l := New(newTestStore(t), Options{SubscriberBuffer: 2})
	ctx := context.Background()
	sub, err := l.Subscribe(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_, _ = l.Append(ctx, rec("c1", "x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("append blocked on a slow subscriber")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Records():
			if !ok {
				if !errors.Is(sub.Err(), ErrSlowSubscriber) {
					t.Fatalf("Err()=%v, want ErrSlowSubscriber", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("slow subscription was not closed")
		}
	}
}

type failingStore struct {
	*SQLStore
	fail bool
}

func (f *failingStore) InsertEvent(ctx context.Context, r Record) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLStore.InsertEvent(ctx, r)
}

func TestLog_PersistenceFailureStillBroadcasts(t *testing.T) {
	store := &failingStore{SQLStore: newTestStore(t)}
	l := New(store, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := l.Subscribe(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := l.Append(ctx, rec("c1", "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.fail = true
	got, err := l.Append(ctx, rec("c1", "b"))
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrPersistence {
		t.Fatalf("err=%v, want persistence error", err)
	}
	if got.Seq != 2 {
		t.Fatalf("seq=%d, want 2", got.Seq)
	}
	store.fail = false
	if got, _ := l.Append(ctx, rec("c1", "c")); got.Seq != 3 {
		t.Fatalf("seq after failure=%d, want 3", got.Seq)
	}

	for want := int64(1); want <= 3; want++ {
		if r := recv(t, sub); r.Seq != want {
			t.Fatalf("live seq=%d, want %d", r.Seq, want)
		}
	}
}

func TestSQLStore_Conversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	a, err := s.CreateConversation(ctx, Conversation{ID: "a", Name: "first", Voice: "alloy", Metadata: map[string]any{"team": "x"}, CreatedAt: base})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if !a.UpdatedAt.Equal(base) {
		t.Fatalf("UpdatedAt=%v, want %v", a.UpdatedAt, base)
	}
	if _, err := s.CreateConversation(ctx, Conversation{ID: "a"}); !errors.Is(err, ErrConversationExists) {
		t.Fatalf("err=%v, want ErrConversationExists", err)
	}

	if _, err := s.EnsureConversation(ctx, Conversation{ID: "b", CreatedAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	again, err := s.EnsureConversation(ctx, Conversation{ID: "a", Name: "ignored"})
	if err != nil || again.Name != "first" {
		t.Fatalf("EnsureConversation existing = (%+v, %v)", again, err)
	}
	if again.Metadata["team"] != "x" {
		t.Fatalf("metadata=%v", again.Metadata)
	}

	list, err := s.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", list)
	}

	if err := s.TouchConversation(ctx, "a", base.Add(time.Minute)); err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}
	list, _ = s.ListConversations(ctx, 1)
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("touched conversation should sort first: %+v", list)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, core.ErrConversationNotFound) {
		t.Fatalf("err=%v, want ErrConversationNotFound", err)
	}
	if err := s.TouchConversation(ctx, "missing", base); !errors.Is(err, core.ErrConversationNotFound) {
		t.Fatalf("err=%v, want ErrConversationNotFound", err)
	}
}

func TestSQLStore_ConcurrentEnsureAgreesOnOneRow(t *testing.T) {
	ctx := context.Background()
	// a pooled file database lets the inserts really interleave
	dsn := "file:" + filepath.Join(t.TempDir(), "ensure.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(8)
	if err := Migrate(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s := NewSQLStore(db, DriverSQLite)

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("conv-%d", round)
		const callers = 8
		got := make([]Conversation, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i], errs[i] = s.EnsureConversation(ctx, Conversation{ID: id, Name: fmt.Sprintf("caller-%d", i)})
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("%s caller %d: %v", id, i, err)
			}
			if got[i].Name != got[0].Name {
				t.Fatalf("%s: callers disagree on the row: %q vs %q", id, got[i].Name, got[0].Name)
			}
		}
	}

	if _, err := s.CreateConversation(ctx, Conversation{ID: "conv-0"}); !errors.Is(err, ErrConversationExists) {
		t.Fatalf("err=%v, want ErrConversationExists", err)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStore(nil, DriverPostgres)
	if got := pg.rebind("a = ? AND b > ?"); got != "a = $1 AND b > $2" {
		t.Fatalf("rebind=%q", got)
	}
	lite := NewSQLStore(nil, DriverSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("rebind=%q", got)
	}
}

func TestMigrate_ReportsVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := MigrationVersion(context.Background(), s.DB(), DriverSQLite)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("version=%d, want 1", v)
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
