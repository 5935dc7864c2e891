package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/model"
)

func drain(t *testing.T, respCh <-chan model.Response, errCh <-chan error) (string, error) {
	t.Helper()
	var final string
	for r := range respCh {
		if !r.Partial {
			final = r.Content.Text()
		}
	}
	return final, <-errCh
}

func TestConversationalInjectsHints(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.AddResponse("where do I live", "you told me you live in Recife")
	a := NewConversational(llm)

	hints := Hints{
		Facts:  map[string]string{"location": "Recife"},
		Recall: []string{"user moved to Recife last year"},
	}
	respCh, errCh := a.Process(context.Background(),
		core.NewTextContent("user", "where do I live"), nil, hints)
	final, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "you told me you live in Recife", final)

	req := llm.LastRequest()
	require.NotNil(t, req)
	assert.Contains(t, req.Instructions, "location: Recife")
	assert.Contains(t, req.Instructions, "moved to Recife")
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.True(t, req.Stream)
}

func TestHistoryPrecedesMessage(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.AddResponse("and after that", "then you asked again")
	a := NewKnowledge(llm)

	history := []core.Content{
		core.NewTextContent("user", "first question"),
		core.NewTextContent("assistant", "first answer"),
	}
	respCh, errCh := a.Process(context.Background(),
		core.NewTextContent("user", "and after that"), history, Hints{})
	_, err := drain(t, respCh, errCh)
	require.NoError(t, err)

	req := llm.LastRequest()
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "first question", req.Contents[0].Text())
	assert.Equal(t, "and after that", req.Contents[2].Text())
}

func TestVariantTemperatures(t *testing.T) {
	llm := model.NewMockModel("mock")
	tests := []struct {
		agent Agent
		want  float64
	}{
		{NewConversational(llm), 0.7},
		{NewKnowledge(llm), 0.3},
		{NewMemory(llm), 0.2},
		{NewGraph(llm), 0.4},
		{NewStudy(llm), 0},
	}
	for _, tt := range tests {
		respCh, errCh := tt.agent.Process(context.Background(),
			core.NewTextContent("user", "hi"), nil, Hints{})
		_, _ = drain(t, respCh, errCh)
		req := llm.LastRequest()
		require.NotNil(t, req, "agent %s", tt.agent.ID())
		assert.InDelta(t, tt.want, req.Temperature, 1e-9, "agent %s", tt.agent.ID())
	}
}

func TestStudyAcceptsValidCitations(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.AddResponse("what is a goroutine", "A goroutine is a lightweight thread [1]. They are multiplexed onto OS threads [2].")
	a := NewStudy(llm)

	hints := Hints{Sources: []Source{
		{ID: "s1", Content: "Goroutines are lightweight threads managed by the Go runtime."},
		{ID: "s2", Content: "The scheduler multiplexes goroutines onto OS threads."},
	}}
	respCh, errCh := a.Process(context.Background(),
		core.NewTextContent("user", "what is a goroutine"), nil, hints)
	final, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	assert.Contains(t, final, "[1]")
	assert.Contains(t, final, "[2]")

	req := llm.LastRequest()
	assert.Contains(t, req.Instructions, "[1] Goroutines are lightweight")
}

func TestStudyRefusesUnverifiableCitation(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.AddResponse("what is a channel", "Channels carry values between goroutines [3].")
	a := NewStudy(llm)

	hints := Hints{Sources: []Source{{ID: "s1", Content: "Channels are typed conduits."}}}
	respCh, errCh := a.Process(context.Background(),
		core.NewTextContent("user", "what is a channel"), nil, hints)
	final, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, refusalText, final)
}

func TestStudyEmitsSingleFinalChunk(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.AddResponse("q", "short answer [1] with several words")
	a := NewStudy(llm)

	respCh, errCh := a.Process(context.Background(),
		core.NewTextContent("user", "q"), nil,
		Hints{Sources: []Source{{ID: "s1", Content: "material"}}})
	var chunks []model.Response
	for r := range respCh {
		chunks = append(chunks, r)
	}
	require.NoError(t, <-errCh)
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Partial)
}

func TestInvalidCitations(t *testing.T) {
	assert.Empty(t, invalidCitations("fine [1] and [2]", 2))
	assert.Equal(t, []string{"[3]"}, invalidCitations("bad [3]", 2))
	assert.Equal(t, []string{"[0]"}, invalidCitations("bad [0]", 2))
	assert.Empty(t, invalidCitations("no citations at all", 0))
}

func TestLifecycle(t *testing.T) {
	llm := model.NewMockModel("mock")
	a := NewConversational(llm)

	require.NoError(t, a.Start(context.Background()))
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, a.Stop())
	require.Error(t, a.Stop())
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	llm := model.NewMockModel("mock")
	_, err := NewRegistry(NewConversational(llm), NewConversational(llm))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegistryLifecycleAggregatesErrors(t *testing.T) {
	llm := model.NewMockModel("mock")
	reg, err := NewRegistry(NewConversational(llm), NewKnowledge(llm), NewStudy(llm))
	require.NoError(t, err)

	assert.Equal(t, []string{"conversational", "knowledge", "study"}, reg.IDs())

	require.NoError(t, reg.StartAll(context.Background()))
	err = reg.StartAll(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already running"))

	require.NoError(t, reg.StopAll())

	_, ok := reg.Get("knowledge")
	assert.True(t, ok)
	_, ok = reg.Get("unknown")
	assert.False(t, ok)
}

func TestHintsCount(t *testing.T) {
	h := Hints{
		Facts:   map[string]string{"a": "1"},
		Recall:  []string{"x", "y"},
		Sources: []Source{{ID: "s"}},
		Graph:   "summary",
	}
	assert.Equal(t, 5, h.Count())
	assert.Equal(t, 0, Hints{}.Count())
}
