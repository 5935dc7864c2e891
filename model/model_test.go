package model

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
)

func collect(t *testing.T, respCh <-chan Response, errCh <-chan error) (string, []Response, error) {
	t.Helper()
	var chunks []Response
	var b strings.Builder
	for r := range respCh {
		chunks = append(chunks, r)
		if r.Partial {
			b.WriteString(r.Content.Text())
		}
	}
	return b.String(), chunks, <-errCh
}

func TestMockModelStreamsWordChunks(t *testing.T) {
	m := NewMockModel("test")
	m.AddResponse("hi", "hello there friend")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewTextContent("user", "hi")},
		Stream:   true,
	})
	streamed, chunks, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "hello there friend", streamed)

	final := chunks[len(chunks)-1]
	assert.False(t, final.Partial)
	assert.Equal(t, "hello there friend", final.Content.Text())
	assert.Equal(t, "stop", final.FinishReason)
}

func TestMockModelRecordsRequest(t *testing.T) {
	m := NewMockModel("test")
	respCh, errCh := m.Generate(context.Background(), Request{
		Instructions: "be brief",
		Temperature:  0.2,
		Contents:     []core.Content{core.NewTextContent("user", "q")},
	})
	_, _, err := collect(t, respCh, errCh)
	require.NoError(t, err)

	req := m.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "be brief", req.Instructions)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
}

func TestMockModelScriptedFailure(t *testing.T) {
	m := NewMockModel("test")
	want := &core.LLMError{Kind: core.LLMTransient, Provider: "mock", Model: "test", Err: errors.New("overloaded")}
	m.FailWith(want)

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewTextContent("user", "q")},
	})
	_, _, err := collect(t, respCh, errCh)
	var le *core.LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, core.LLMTransient, le.Kind)
}

func TestMockModelRejectsEmptyContents(t *testing.T) {
	m := NewMockModel("test")
	respCh, errCh := m.Generate(context.Background(), Request{})
	_, _, err := collect(t, respCh, errCh)
	require.Error(t, err)
}
