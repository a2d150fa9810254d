package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/skychat/internal/catalog"
	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/control"
	"github.com/stupiduntilnot/skychat/internal/db"
	"github.com/stupiduntilnot/skychat/internal/dummy"
	"github.com/stupiduntilnot/skychat/internal/fault"
	"github.com/stupiduntilnot/skychat/internal/history"
	"github.com/stupiduntilnot/skychat/internal/router"
)

type step struct {
	updates []cmdpkg.Update
	err     error
}

type fakeCommander struct {
	mu          sync.Mutex
	steps       []step
	connectErrs []error
	connects    int
	offsets     []int64
	sent        []cmdpkg.Reply
	sendErr     error
}

func (f *fakeCommander) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeCommander) GetUpdates(_ context.Context, offset int64, _ int) ([]cmdpkg.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.steps) == 0 {
		return nil, cmdpkg.ErrClosed
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.updates, s.err
}

func (f *fakeCommander) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offsets)
}

func (f *fakeCommander) Send(_ context.Context, reply cmdpkg.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, reply)
	return nil
}

func msg(id, userID int64, text string) cmdpkg.Update {
	return cmdpkg.Update{UpdateID: id, Message: &cmdpkg.Message{
		MessageID: id,
		From:      &cmdpkg.User{ID: userID},
		Chat:      cmdpkg.Chat{ID: userID},
		Text:      &text,
		Date:      time.Now().Unix(),
	}}
}

type echoRouter struct {
	mu   sync.Mutex
	seen map[int64][]string
}

func (r *echoRouter) Route(_ context.Context, ev router.Event) cmdpkg.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[int64][]string{}
	}
	r.seen[ev.UserID] = append(r.seen[ev.UserID], ev.Text)
	return cmdpkg.Reply{ChatID: ev.ChatID, ReplyTo: ev.MessageID, Text: "echo: " + ev.Text}
}

type memOffsets struct {
	mu    sync.Mutex
	value int64
	saves int
}

func (m *memOffsets) LoadOffset(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *memOffsets) SaveOffset(_ context.Context, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = offset
	m.saves++
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestLoop(cfg Config) (*Loop, *sleepRecorder) {
	if cfg.Backoff == (control.Backoff{}) {
		cfg.Backoff = control.FixedBackoff(15 * time.Second)
	}
	l := New(cfg)
	rec := &sleepRecorder{}
	l.sleep = rec.sleep
	return l, rec
}

func TestRun_HandlesMessagesAndStopsOnClose(t *testing.T) {
	cmd := &fakeCommander{steps: []step{
		{updates: []cmdpkg.Update{msg(10, 1, "hi"), msg(11, 2, "yo")}},
		{},
	}}
	offsets := &memOffsets{}
	rt := &echoRouter{}
	l, rec := newTestLoop(Config{Commander: cmd, Router: rt, Offsets: offsets})

	require.NoError(t, l.Run(context.Background()))

	require.Len(t, cmd.sent, 2)
	assert.Equal(t, cmdpkg.Reply{ChatID: 1, ReplyTo: 10, Text: "echo: hi"}, cmd.sent[0])
	assert.Equal(t, int64(12), offsets.value)
	assert.Equal(t, []int64{0, 12, 12}, cmd.offsets)
	assert.Equal(t, 1, cmd.connects)
	assert.Empty(t, rec.delays)
}

func TestRun_SkipsUpdatesWithoutText(t *testing.T) {
	cmd := &fakeCommander{steps: []step{
		{updates: []cmdpkg.Update{{UpdateID: 5}, msg(6, 1, "  ")}},
	}}
	offsets := &memOffsets{}
	l, _ := newTestLoop(Config{Commander: cmd, Router: &echoRouter{}, Offsets: offsets})

	require.NoError(t, l.Run(context.Background()))
	assert.Empty(t, cmd.sent)
	assert.Equal(t, int64(7), offsets.value, "skipped updates still advance the offset")
}

func TestRun_ResumesFromStoredOffset(t *testing.T) {
	cmd := &fakeCommander{steps: []step{{}}}
	l, _ := newTestLoop(Config{Commander: cmd, Router: &echoRouter{}, Offsets: &memOffsets{value: 500}, DropPending: true})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, int64(500), cmd.offsets[0], "a stored offset disables bootstrap")
}

func TestRun_TransportFaultRecovers(t *testing.T) {
	cmd := &fakeCommander{
		steps: []step{
			{updates: []cmdpkg.Update{msg(1, 1, "before")}},
			{err: fault.Transport("getUpdates", errors.New("connection reset"))},
			{updates: []cmdpkg.Update{msg(2, 1, "after")}},
		},
		connectErrs: []error{nil, errors.New("dns failure")},
	}
	l, rec := newTestLoop(Config{Commander: cmd, Router: &echoRouter{}, Backoff: control.Backoff{Initial: 15 * time.Second, Max: time.Minute}})

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second}, rec.delays)
	assert.Equal(t, 3, cmd.connects)
	require.Len(t, cmd.sent, 2)
	assert.Equal(t, "echo: after", cmd.sent[1].Text)
	assert.Equal(t, []int64{0, 2, 2, 3}, cmd.offsets, "the failed poll is retried at the same offset")
}

func TestRun_SendFailureDoesNotRecover(t *testing.T) {
	cmd := &fakeCommander{
		steps:   []step{{updates: []cmdpkg.Update{msg(1, 1, "hi")}}},
		sendErr: errors.New("chat not found"),
	}
	l, rec := newTestLoop(Config{Commander: cmd, Router: &echoRouter{}})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, cmd.connects)
	assert.Empty(t, rec.delays)
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	cmd := &fakeCommander{steps: []step{{err: errors.New("timeout")}}}
	l := New(Config{Commander: cmd, Router: &echoRouter{}, Backoff: control.FixedBackoff(time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return cmd.polls() == 1 && l.State() == Recovering }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

// shutdownRouter cancels the loop's context while handling its first
// event, like a SIGTERM arriving mid-turn.
type shutdownRouter struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	routed  []string
	ctxErrs []error
}

func (r *shutdownRouter) Route(ctx context.Context, ev router.Event) cmdpkg.Reply {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, ev.Text)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return cmdpkg.Reply{ChatID: ev.ChatID, Text: "echo: " + ev.Text}
}

func TestRun_ShutdownMidBatchKeepsUnansweredUpdates(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cmd := &fakeCommander{steps: []step{
				{updates: []cmdpkg.Update{msg(10, 1, "a"), msg(11, 2, "b"), msg(12, 3, "c")}},
			}}
			offsets := &memOffsets{}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			rt := &shutdownRouter{cancel: cancel}
			l, _ := newTestLoop(Config{Commander: cmd, Router: rt, Offsets: offsets, Workers: workers})

			require.NoError(t, l.Run(ctx))

			rt.mu.Lock()
			defer rt.mu.Unlock()
			require.NotEmpty(t, rt.routed)
			for i, err := range rt.ctxErrs {
				assert.NoError(t, err, "turn %q ran on a cancelled context", rt.routed[i])
			}
			assert.Len(t, cmd.sent, len(rt.routed), "every started turn is answered")
			assert.Equal(t, int64(10+len(rt.routed)), offsets.value,
				"the offset covers exactly the answered updates")
			if workers == 1 {
				assert.Equal(t, []string{"a"}, rt.routed)
				assert.Equal(t, int64(11), offsets.value)
			}
		})
	}
}

func TestRun_WorkerPoolKeepsPerUserOrder(t *testing.T) {
	var updates []cmdpkg.Update
	id := int64(1)
	for i := 0; i < 20; i++ {
		for user := int64(1); user <= 5; user++ {
			updates = append(updates, msg(id, user, fmt.Sprintf("u%d-%d", user, i)))
			id++
		}
	}
	cmd := &fakeCommander{steps: []step{{updates: updates}}}
	rt := &echoRouter{}
	l, _ := newTestLoop(Config{Commander: cmd, Router: rt, Workers: 3})

	require.NoError(t, l.Run(context.Background()))

	assert.Len(t, cmd.sent, 100, "queued events are drained before Run returns")
	for user := int64(1); user <= 5; user++ {
		got := rt.seen[user]
		require.Len(t, got, 20)
		for i, text := range got {
			assert.Equal(t, fmt.Sprintf("u%d-%d", user, i), text)
		}
	}
}

func TestBootstrapOffset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	old := msg(1, 1, "old")
	old.Message.Date = now.Add(-time.Hour).Unix()
	recent1 := msg(2, 1, "recent1")
	recent1.Message.Date = now.Add(-time.Minute).Unix()
	recent2 := msg(3, 1, "recent2")
	recent2.Message.Date = now.Unix()

	tests := []struct {
		name    string
		updates []cmdpkg.Update
		max     int
		want    int64
	}{
		{"nothing pending", nil, 50, 0},
		{"keeps recent", []cmdpkg.Update{old, recent1, recent2}, 50, 2},
		{"caps count", []cmdpkg.Update{old, recent1, recent2}, 1, 3},
		{"all stale", []cmdpkg.Update{old}, 50, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommander{steps: []step{{updates: tt.updates}}}
			l := New(Config{Commander: cmd, PendingWindow: 10 * time.Minute, PendingMax: tt.max})
			l.now = func() time.Time { return now }
			got, err := l.bootstrapOffset(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_BootstrapSkipsStaleUpdates(t *testing.T) {
	stale := msg(40, 1, "stale")
	stale.Message.Date = time.Now().Add(-time.Hour).Unix()
	cmd := &fakeCommander{steps: []step{
		{updates: []cmdpkg.Update{stale}},
		{},
	}}
	rt := &echoRouter{}
	l, _ := newTestLoop(Config{Commander: cmd, Router: rt, DropPending: true, PendingWindow: time.Minute})

	require.NoError(t, l.Run(context.Background()))
	assert.Empty(t, cmd.sent)
	assert.Equal(t, []int64{0, 41, 41}, cmd.offsets)
}

func TestRun_BootstrapRetriedAfterTransportFault(t *testing.T) {
	stale := msg(40, 1, "stale")
	stale.Message.Date = time.Now().Add(-time.Hour).Unix()
	cmd := &fakeCommander{steps: []step{
		{err: fault.Transport("getUpdates", errors.New("connection reset"))},
		{updates: []cmdpkg.Update{stale}},
		{},
	}}
	offsets := &memOffsets{}
	l, rec := newTestLoop(Config{Commander: cmd, Router: &echoRouter{}, Offsets: offsets, DropPending: true, PendingWindow: time.Minute})

	require.NoError(t, l.Run(context.Background()))
	assert.Empty(t, cmd.sent, "stale updates must stay skipped after an outage")
	assert.Equal(t, []int64{0, 0, 41, 41}, cmd.offsets)
	assert.Equal(t, []time.Duration{15 * time.Second}, rec.delays)
	assert.Equal(t, 2, cmd.connects)
	assert.Equal(t, int64(41), offsets.value)
}

func TestShardFor(t *testing.T) {
	for _, id := range []int64{0, 1, 7, -5, 1 << 40} {
		s := shardFor(id, 4)
		assert.True(t, s >= 0 && s < 4, "shard %d for %d", s, id)
		assert.Equal(t, s, shardFor(id, 4))
	}
}

// A transport fault in the middle of a conversation must not lose the
// user's history: the next AI turn still sees the earlier exchange.
func TestRun_HistorySurvivesRecovery(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "skychat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))
	journal := db.NewJournal(ctx, database, nil, map[string]any{"test": true})

	transport, err := dummy.NewCommander("msg:My name is Ann,err:network,msg:What is my name?,eof", "ok")
	require.NoError(t, err)
	transport.UserID = 42
	gen, err := dummy.NewGenerator("msg:Nice to meet you Ann,msg:Your name is Ann")
	require.NoError(t, err)

	store := history.NewStore(&history.SQLiteBackend{DB: database}, nil)
	rt := router.New(router.Config{
		History:   store,
		Generator: gen,
		Catalog:   catalog.MustLoad("en"),
		Journal:   journal,
	})
	l, rec := newTestLoop(Config{
		Commander: transport,
		Router:    rt,
		Offsets:   &db.Offsets{DB: database},
		Journal:   journal,
	})

	require.NoError(t, l.Run(ctx))

	assert.Equal(t, []time.Duration{15 * time.Second}, rec.delays)
	assert.Equal(t, 2, transport.Connects())
	sent := transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Your name is Ann", sent[1].Text)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "User: My name is Ann\nAssistant: Nice to meet you Ann\nUser: What is my name?\nAssistant: ", prompts[1])
	assert.Len(t, store.Recent(ctx, 42, 5), 2)

	offset, err := (&db.Offsets{DB: database}).LoadOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), offset)

	for eventType, want := range map[string]int{
		db.EventTransportFault:     1,
		db.EventTransportRecovered: 1,
		db.EventTurnCompleted:      2,
	} {
		var n int
		require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n))
		assert.Equal(t, want, n, eventType)
	}
}
