package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/model"
)

// recorderModel captures the last request so tests can inspect what the
// runner built.
type recorderModel struct {
	last model.Request
	err  error
}

func (m *recorderModel) Generate(_ context.Context, req model.Request) (*model.Response, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &model.Response{Text: "ack"}, nil
}

func (m *recorderModel) Info() model.Info { return model.Info{Name: "recorder", Provider: "test"} }

func modelSnapshot() *core.HydratedSnapshot {
	return &core.HydratedSnapshot{
		Snapshot: core.Snapshot{
			Conversation: &core.Conversation{ID: 1, Meta: core.Metadata{Title: "standup"}},
			Events: []core.Event{
				{Type: core.EventMessage, AgentID: "alpha", Payload: core.TextPayload("hi from alpha")},
				{Type: core.EventMessage, AgentID: "beta", Payload: core.TextPayload("hi from beta")},
				{Type: core.EventTrace, AgentID: "alpha", Payload: core.TextPayload("thinking")},
			},
		},
		Participants: []core.HydratedParticipant{{ID: "alpha"}, {ID: "beta"}},
	}
}

func TestModelRunner_BuildsRequestFromHistory(t *testing.T) {
	rec := &recorderModel{}
	r := NewModelRunner("alpha", "be concise", rec)

	out, err := r.RunTurn(context.Background(), modelSnapshot())
	require.NoError(t, err)
	assert.Equal(t, core.FinalityTurn, out.Finality)

	assert.Equal(t, "be concise", rec.last.Instructions)
	require.Len(t, rec.last.Messages, 2, "trace events stay out of the prompt")
	assert.Equal(t, model.RoleAssistant, rec.last.Messages[0].Role, "own messages map to assistant")
	assert.Equal(t, model.RoleUser, rec.last.Messages[1].Role)
	assert.Equal(t, "hi from beta", rec.last.Messages[1].Content)
}

func TestModelRunner_RendersInstructionTemplate(t *testing.T) {
	rec := &recorderModel{}
	r := NewModelRunner("alpha", `You are {{.agent}} in {{.title}} with {{join ", " .participants}}`, rec)

	_, err := r.RunTurn(context.Background(), modelSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "You are alpha in standup with alpha, beta", rec.last.Instructions)
}

func TestModelRunner_MalformedInstructionTemplate(t *testing.T) {
	r := NewModelRunner("alpha", "{{.agent", &recorderModel{})

	_, err := r.RunTurn(context.Background(), modelSnapshot())
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}

func TestModelRunner_ProviderErrorPassesThrough(t *testing.T) {
	boom := &core.ProviderError{Provider: "test", Err: errors.New("rate limited")}
	r := NewModelRunner("alpha", "", &recorderModel{err: boom})

	_, err := r.RunTurn(context.Background(), modelSnapshot())
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "test", pe.Provider)
}

func TestModelFactory_RequiresProvider(t *testing.T) {
	_, err := ModelFactory(nil)(core.HydratedParticipant{ID: "alpha"})
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}
