package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/agent"
	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/graph"
	"github.com/mnemobot/mnemo/intent"
	"github.com/mnemobot/mnemo/memory"
	"github.com/mnemobot/mnemo/model"
	"github.com/mnemobot/mnemo/orchestrator"
	"github.com/mnemobot/mnemo/ratelimit"
	"github.com/mnemobot/mnemo/session"
	"github.com/mnemobot/mnemo/store"
	"github.com/mnemobot/mnemo/token"
)

const testDims = 32

type env struct {
	store *store.Store
	mem   *memory.Manager
	llm   *model.MockModel
	pipe  *Pipeline
}

type envConfig struct {
	sessionOpts func(o *session.Options)
	limitOpts   func(o *ratelimit.Options)
	pipeOpts    func(o *Options)
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pipe.db"), func(o *store.Options) {
		o.EmbeddingDim = testDims
	})
	require.NoError(t, err)

	emb := embedding.NewLocal(testDims)
	mem := memory.NewManager(s, emb)
	sessOpts := func(o *session.Options) {
		o.MaxTokens = 500
		o.AutoReduce = true
	}
	if cfg.sessionOpts != nil {
		sessOpts = cfg.sessionOpts
	}
	sess := session.NewEngine(token.NewApprox(), sessOpts)
	g := graph.New(s, emb)
	llm := model.NewMockModel("test")

	reg, err := agent.NewRegistry(
		agent.NewConversational(llm),
		agent.NewKnowledge(llm),
		agent.NewMemory(llm),
		agent.NewGraph(llm),
	)
	require.NoError(t, err)
	orch, err := orchestrator.New(reg, intent.New(emb), mem, sess, g, s, token.NewApprox())
	require.NoError(t, err)

	limitOpts := func(o *ratelimit.Options) {
		o.Global = 1000
		o.PerChannel = 1000
	}
	if cfg.limitOpts != nil {
		limitOpts = cfg.limitOpts
	}
	limiter := ratelimit.New(limitOpts)

	var pipeFns []func(o *Options)
	if cfg.pipeOpts != nil {
		pipeFns = append(pipeFns, cfg.pipeOpts)
	}
	pipe := New(limiter, orch, s, sess, pipeFns...)

	t.Cleanup(func() {
		sess.Close()
		mem.Close()
		s.Close()
	})
	return &env{store: s, mem: mem, llm: llm, pipe: pipe}
}

type recorder struct {
	chunks []string
	done   bool
}

func (r *recorder) fn() ReplyFunc {
	return func(chunk string, done bool) error {
		if chunk != "" {
			r.chunks = append(r.chunks, chunk)
		}
		if done {
			r.done = true
		}
		return nil
	}
}

func (r *recorder) text() string { return strings.Join(r.chunks, "") }

func event(user, text string) core.InboundEvent {
	return core.InboundEvent{AuthorID: user, ChannelID: "chan1", Text: text, Received: time.Now()}
}

func TestBotMessagesAreDropped(t *testing.T) {
	e := newEnv(t, envConfig{})
	var r recorder

	ev := event("bot", "hello")
	ev.IsBot = true
	require.NoError(t, e.pipe.Handle(context.Background(), ev, r.fn()))
	assert.Empty(t, r.chunks)
	assert.False(t, r.done)
}

func TestEmptyInputGetsHelpWithoutStoreWrites(t *testing.T) {
	e := newEnv(t, envConfig{})
	ctx := context.Background()
	var r recorder

	require.NoError(t, e.pipe.Handle(ctx, event("U1", "   "), r.fn()))
	assert.Equal(t, helpReply, r.text())
	assert.True(t, r.done)

	ss, err := e.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, ss.Messages)
	assert.Zero(t, ss.Sessions)
}

func TestCommandShortCircuitsPipeline(t *testing.T) {
	e := newEnv(t, envConfig{pipeOpts: func(o *Options) {
		o.Commands = map[string]CommandHandler{
			"ping": func(ctx context.Context, ev core.InboundEvent, args []string, reply ReplyFunc) error {
				return reply("pong "+strings.Join(args, " "), true)
			},
		}
	}})
	var r recorder

	require.NoError(t, e.pipe.Handle(context.Background(), event("U1", "!ping now"), r.fn()))
	assert.Equal(t, "pong now", r.text())
	assert.Nil(t, e.llm.LastRequest())
}

func TestUnknownCommandReply(t *testing.T) {
	e := newEnv(t, envConfig{})
	var r recorder

	require.NoError(t, e.pipe.Handle(context.Background(), event("U1", "!frobnicate"), r.fn()))
	assert.Contains(t, r.text(), "Unknown command")
	assert.Nil(t, e.llm.LastRequest())
}

func TestEndToEndMemoryStore(t *testing.T) {
	e := newEnv(t, envConfig{})
	ctx := context.Background()
	var r recorder

	require.NoError(t, e.pipe.Handle(ctx, event("U1", "remember that my timezone is America/Sao_Paulo"), r.fn()))
	assert.True(t, r.done)
	assert.Contains(t, r.text(), "timezone")

	v, ok, err := e.mem.ForUser("U1").Core.Get(ctx, "timezone")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "America/Sao_Paulo", v)
}

func TestOverflowGetsCannedReply(t *testing.T) {
	e := newEnv(t, envConfig{sessionOpts: func(o *session.Options) {
		o.MaxTokens = 2
		o.HardCap = 4
		o.AutoReduce = true
	}})
	var r recorder

	err := e.pipe.Handle(context.Background(), event("U1", "one two three four five six seven"), r.fn())
	require.NoError(t, err)
	assert.Contains(t, r.text(), overflowReply)
	assert.True(t, r.done)
}

func TestChannelRateSerializesBurst(t *testing.T) {
	e := newEnv(t, envConfig{limitOpts: func(o *ratelimit.Options) {
		o.Global = 1000
		o.PerChannel = 5
	}})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		var r recorder
		require.NoError(t, e.pipe.Handle(ctx, event("U1", "hello there"), r.fn()))
	}
	within := time.Since(start)
	assert.Less(t, within, 600*time.Millisecond, "burst of 5 should not wait on the limiter")

	var r recorder
	require.NoError(t, e.pipe.Handle(ctx, event("U1", "hello there"), r.fn()))
	assert.GreaterOrEqual(t, time.Since(start), within+150*time.Millisecond, "sixth event must wait for refill")
	assert.True(t, r.done)
}

func TestHashUserIsSaltedAndShort(t *testing.T) {
	e := newEnv(t, envConfig{})

	h1 := e.pipe.hashUser("U1")
	h2 := e.pipe.hashUser("U2")
	assert.Len(t, h1, 12)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, e.pipe.hashUser("U1"))
	assert.NotContains(t, h1, "U1")
}

func TestAdminSurface(t *testing.T) {
	e := newEnv(t, envConfig{})
	ctx := context.Background()

	require.NoError(t, e.pipe.Health(ctx))

	var r recorder
	require.NoError(t, e.pipe.Handle(ctx, event("U1", "remember that my timezone is UTC"), r.fn()))

	stats, err := e.pipe.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Store.Messages)
	assert.Equal(t, 1, stats.Store.Sessions)
	assert.Empty(t, stats.PendingApprovals)

	assert.False(t, e.pipe.Approve("no-such-request", true))
}
