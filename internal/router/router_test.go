package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/skychat/internal/catalog"
	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/control"
	"github.com/stupiduntilnot/skychat/internal/dummy"
	"github.com/stupiduntilnot/skychat/internal/fault"
	"github.com/stupiduntilnot/skychat/internal/history"
	"github.com/stupiduntilnot/skychat/internal/model"
)

var en = catalog.MustLoad("en")

type fixture struct {
	router  *Router
	store   *history.Store
	gen     model.Generator
	breaker *control.CircuitBreaker
}

func newFixture(t *testing.T, gen model.Generator, cmds ...Command) *fixture {
	t.Helper()
	store := history.NewStore(history.NewMemoryBackend(), nil)
	reg := NewRegistry()
	for _, c := range cmds {
		require.NoError(t, reg.Register(c))
	}
	breaker := control.NewCircuitBreaker(3, time.Minute)
	r := New(Config{
		Registry:  reg,
		History:   store,
		Window:    5,
		Generator: gen,
		Breaker:   breaker,
		Catalog:   en,
	})
	return &fixture{router: r, store: store, gen: gen, breaker: breaker}
}

func scripted(t *testing.T, script string) *dummy.Generator {
	t.Helper()
	g, err := dummy.NewGenerator(script)
	require.NoError(t, err)
	return g
}

func event(userID int64, text string) Event {
	return Event{UserID: userID, ChatID: userID, MessageID: 100, Text: text}
}

func TestRoute_SingleExchange(t *testing.T) {
	gen := scripted(t, "msg:Paris.")
	f := newFixture(t, gen)
	ctx := context.Background()

	reply := f.router.Route(ctx, event(42, "What is the capital of France?"))

	assert.Equal(t, "Paris.", reply.Text)
	assert.Equal(t, int64(42), reply.ChatID)
	assert.Equal(t, int64(100), reply.ReplyTo)
	assert.Equal(t, []string{"User: What is the capital of France?\nAssistant: "}, gen.Prompts())

	window := f.store.Recent(ctx, 42, 5)
	require.Len(t, window, 1)
	assert.Equal(t, "What is the capital of France?", window[0].Message)
	assert.Equal(t, "Paris.", window[0].Response)
}

func TestRoute_WindowSlidesOverSixMessages(t *testing.T) {
	gen := scripted(t, "msg:r1,msg:r2,msg:r3,msg:r4,msg:r5,msg:r6")
	f := newFixture(t, gen)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		reply := f.router.Route(ctx, event(7, fmt.Sprintf("m%d", i)))
		require.Equal(t, fmt.Sprintf("r%d", i), reply.Text)
	}

	window := f.store.Recent(ctx, 7, 5)
	require.Len(t, window, 5)
	for i, e := range window {
		assert.Equal(t, fmt.Sprintf("m%d", i+2), e.Message)
		assert.Equal(t, fmt.Sprintf("r%d", i+2), e.Response)
	}

	prompts := gen.Prompts()
	require.Len(t, prompts, 6)
	assert.Equal(t,
		"User: m1\nAssistant: r1\nUser: m2\nAssistant: r2\nUser: m3\nAssistant: r3\n"+
			"User: m4\nAssistant: r4\nUser: m5\nAssistant: r5\nUser: m6\nAssistant: ",
		prompts[5])
}

func TestRoute_GeneratorFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, scripted(t, "err:provider_api"))
	ctx := context.Background()

	reply := f.router.Route(ctx, event(9, "hello"))

	assert.Equal(t, en.Text("ai.error", nil), reply.Text)
	assert.NotContains(t, reply.Text, "provider_api")
	assert.Empty(t, f.store.Recent(ctx, 9, 5))
}

func TestRoute_EmptyCompletionIsFailure(t *testing.T) {
	f := newFixture(t, scripted(t, "msg:   "))
	ctx := context.Background()

	reply := f.router.Route(ctx, event(9, "hello"))
	assert.Equal(t, en.Text("ai.error", nil), reply.Text)
	assert.Empty(t, f.store.Recent(ctx, 9, 5))
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, string) (model.Completion, error) {
	panic("backend exploded")
}

func TestRoute_GeneratorPanicIsContained(t *testing.T) {
	f := newFixture(t, panicGenerator{})
	ctx := context.Background()

	var reply cmdpkg.Reply
	require.NotPanics(t, func() { reply = f.router.Route(ctx, event(1, "hi")) })
	assert.Equal(t, en.Text("ai.error", nil), reply.Text)
	assert.Empty(t, f.store.Recent(ctx, 1, 5))
}

type countingGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *countingGenerator) Generate(context.Context, string) (model.Completion, error) {
	g.calls.Add(1)
	if g.err != nil {
		return model.Completion{}, g.err
	}
	return model.Completion{Text: "ok"}, nil
}

func TestRoute_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	gen := &countingGenerator{err: fault.External("generate", fmt.Errorf("503"))}
	f := newFixture(t, gen)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, en.Text("ai.error", nil), f.router.Route(ctx, event(1, "hi")).Text)
	}
	assert.Equal(t, control.CircuitOpen, f.breaker.State())

	reply := f.router.Route(ctx, event(1, "hi"))
	assert.Equal(t, en.Text("ai.unavailable", nil), reply.Text)
	assert.Equal(t, int32(3), gen.calls.Load(), "open circuit must not reach the backend")
}

func TestRoute_HalfOpenProbeClosesCircuit(t *testing.T) {
	gen := &countingGenerator{err: fault.External("generate", fmt.Errorf("503"))}
	f := newFixture(t, gen)
	ctx := context.Background()
	now := time.Now()
	f.router.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		f.router.Route(ctx, event(1, "hi"))
	}
	require.Equal(t, control.CircuitOpen, f.breaker.State())

	gen.err = nil
	now = now.Add(2 * time.Minute)
	assert.Equal(t, "ok", f.router.Route(ctx, event(1, "hi")).Text)
	assert.Equal(t, control.CircuitClosed, f.breaker.State())
}

// cancellingGenerator simulates a shutdown arriving mid-generation.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g cancellingGenerator) Generate(ctx context.Context, _ string) (model.Completion, error) {
	g.cancel()
	<-ctx.Done()
	return model.Completion{}, fault.External("generate", ctx.Err())
}

func TestRoute_CancelledTurnIsNotABackendFailure(t *testing.T) {
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		f := newFixture(t, cancellingGenerator{cancel: cancel})
		reply := f.router.Route(ctx, event(1, "hi"))
		assert.True(t, reply.Empty(), "cancelled turn must not produce an apology")
		assert.Equal(t, control.CircuitClosed, f.breaker.State())
		assert.Empty(t, f.store.Recent(context.Background(), 1, 5))
	}

	shared := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	shared.router.generator = cancellingGenerator{cancel: cancel}
	for i := 0; i < 5; i++ {
		shared.router.Route(ctx, event(1, "hi"))
	}
	assert.Equal(t, control.CircuitClosed, shared.breaker.State(), "cancellations must not open the circuit")
}

func TestRoute_CancelledProbeKeepsCircuitRetryable(t *testing.T) {
	gen := &countingGenerator{err: fault.External("generate", fmt.Errorf("503"))}
	f := newFixture(t, gen)
	now := time.Now()
	f.router.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		f.router.Route(context.Background(), event(1, "hi"))
	}
	require.Equal(t, control.CircuitOpen, f.breaker.State())

	now = now.Add(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	f.router.generator = cancellingGenerator{cancel: cancel}
	assert.True(t, f.router.Route(ctx, event(1, "hi")).Empty())
	assert.Equal(t, control.CircuitOpen, f.breaker.State())

	f.router.generator = &countingGenerator{}
	assert.Equal(t, "ok", f.router.Route(context.Background(), event(1, "hi")).Text)
	assert.Equal(t, control.CircuitClosed, f.breaker.State())
}

func TestRoute_CommandWithArgs(t *testing.T) {
	var got Request
	f := newFixture(t, scripted(t, "msg:ai"), Command{
		Name: "weather",
		Handler: func(_ context.Context, req Request) (Response, error) {
			got = req
			return Response{Text: "sunny in " + req.Args}, nil
		},
	})

	reply := f.router.Route(context.Background(), event(5, "/weather@sky_bot  New York "))
	assert.Equal(t, "sunny in New York", reply.Text)
	assert.Equal(t, "New York", got.Args)
	assert.Equal(t, int64(5), got.UserID)
	assert.NotEmpty(t, got.TurnID)
	assert.Empty(t, f.store.Recent(context.Background(), 5, 5), "weather does not record history")
}

func TestRoute_RecordHistoryCommand(t *testing.T) {
	f := newFixture(t, scripted(t, "msg:ai"), Command{
		Name:          "cars",
		RecordHistory: true,
		Handler: func(context.Context, Request) (Response, error) {
			return Response{Text: "3 photos", Media: []cmdpkg.Attachment{{URL: "https://u/1"}}}, nil
		},
	})
	ctx := context.Background()

	reply := f.router.Route(ctx, event(5, "/cars Lada"))
	assert.Len(t, reply.Media, 1)

	window := f.store.Recent(ctx, 5, 5)
	require.Len(t, window, 1)
	assert.Equal(t, "/cars Lada", window[0].Message)
	assert.Equal(t, "3 photos", window[0].Response)
}

func TestRoute_CommandForAnotherBotIsIgnored(t *testing.T) {
	var calls int
	f := newFixture(t, scripted(t, "msg:ai"), Command{
		Name: "weather",
		Handler: func(context.Context, Request) (Response, error) {
			calls++
			return Response{Text: "sunny"}, nil
		},
	})
	f.router.botName = func() string { return "sky_bot" }
	ctx := context.Background()

	reply := f.router.Route(ctx, event(1, "/weather@other_bot Paris"))
	assert.True(t, reply.Empty())
	assert.Equal(t, 0, calls)
	assert.Empty(t, f.gen.(*dummy.Generator).Prompts(), "foreign commands must not reach the AI either")

	assert.Equal(t, "sunny", f.router.Route(ctx, event(1, "/weather@Sky_Bot Paris")).Text)
	assert.Equal(t, "sunny", f.router.Route(ctx, event(1, "/weather Paris")).Text)
	assert.Equal(t, 2, calls)

	f.router.botName = func() string { return "" }
	assert.Equal(t, "sunny", f.router.Route(ctx, event(1, "/weather@other_bot Paris")).Text,
		"an unknown own name accepts every addressee")
}

func TestRoute_UnknownCommandGoesToAI(t *testing.T) {
	gen := scripted(t, "msg:no idea")
	f := newFixture(t, gen)

	reply := f.router.Route(context.Background(), event(5, "/foo bar"))
	assert.Equal(t, "no idea", reply.Text)
	assert.Equal(t, []string{"User: /foo bar\nAssistant: "}, gen.Prompts())
}

func TestRoute_CommandErrors(t *testing.T) {
	f := newFixture(t, scripted(t, "ok"),
		Command{Name: "usage", Handler: func(context.Context, Request) (Response, error) {
			return Response{}, fault.UserInput("usage", "Please name a city.")
		}},
		Command{Name: "broken", Handler: func(context.Context, Request) (Response, error) {
			return Response{}, fmt.Errorf("db is gone")
		}},
		Command{Name: "panics", Handler: func(context.Context, Request) (Response, error) {
			var m map[string]int
			m["x"] = 1
			return Response{}, nil
		}},
	)
	ctx := context.Background()

	assert.Equal(t, "Please name a city.", f.router.Route(ctx, event(1, "/usage")).Text)
	assert.Equal(t, en.Text("command.failed", nil), f.router.Route(ctx, event(1, "/broken")).Text)

	var reply cmdpkg.Reply
	require.NotPanics(t, func() { reply = f.router.Route(ctx, event(1, "/panics")) })
	assert.Equal(t, en.Text("command.failed", nil), reply.Text)
}

func TestRoute_EmptyText(t *testing.T) {
	gen := scripted(t, "ok")
	f := newFixture(t, gen)
	assert.Equal(t, en.Text("ai.empty", nil), f.router.Route(context.Background(), event(1, "  ")).Text)
	assert.Empty(t, gen.Prompts())
}

func TestRoute_UsersDoNotShareContext(t *testing.T) {
	gen := scripted(t, "msg:a,msg:b")
	f := newFixture(t, gen)
	ctx := context.Background()

	f.router.Route(ctx, event(1, "from one"))
	f.router.Route(ctx, event(2, "from two"))

	assert.Equal(t, "User: from two\nAssistant: ", gen.Prompts()[1])
}

func TestFromUpdate(t *testing.T) {
	text := "hello"
	ev, ok := FromUpdate(cmdpkg.Update{UpdateID: 3, Message: &cmdpkg.Message{
		MessageID: 8,
		From:      &cmdpkg.User{ID: 42, Username: "alice"},
		Chat:      cmdpkg.Chat{ID: -100},
		Text:      &text,
	}})
	require.True(t, ok)
	assert.Equal(t, Event{UpdateID: 3, UserID: 42, ChatID: -100, MessageID: 8, Text: "hello", Username: "alice"}, ev)

	ev, ok = FromUpdate(cmdpkg.Update{UpdateID: 4, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: 77}, Text: &text}})
	require.True(t, ok)
	assert.Equal(t, int64(77), ev.UserID)

	blank := " "
	_, ok = FromUpdate(cmdpkg.Update{Message: &cmdpkg.Message{Text: &blank}})
	assert.False(t, ok)
	_, ok = FromUpdate(cmdpkg.Update{Message: &cmdpkg.Message{}})
	assert.False(t, ok)
	_, ok = FromUpdate(cmdpkg.Update{})
	assert.False(t, ok)
}
