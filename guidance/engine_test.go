package guidance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colloquy/core"
)

func twoParty() core.Metadata {
	return core.Metadata{
		Participants: []core.Participant{{ID: "alpha"}, {ID: "beta"}},
	}
}

func closedBy(agent string, finality core.Finality) core.Event {
	return core.Event{Type: core.EventMessage, AgentID: agent, Finality: finality}
}

func conv(meta core.Metadata) *core.Conversation {
	return &core.Conversation{ID: 1, Meta: meta, Status: core.StatusActive}
}

func TestStrictAlternation_InitialGuidance(t *testing.T) {
	next, ok, err := StrictAlternation(twoParty(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", next, "first participant acts first when no starting agent is set")

	meta := twoParty()
	meta.StartingAgent = "beta"
	next, ok, err = StrictAlternation(meta, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", next)
}

func TestStrictAlternation_AdvancesAfterClosedTurn(t *testing.T) {
	meta := twoParty()

	next, ok, err := StrictAlternation(meta, []core.Event{closedBy("alpha", core.FinalityTurn)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", next)

	next, ok, err = StrictAlternation(meta, []core.Event{
		closedBy("alpha", core.FinalityTurn),
		closedBy("beta", core.FinalityTurn),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", next, "rotation wraps back to the first participant")
}

func TestStrictAlternation_OpenTurnDoesNotAdvance(t *testing.T) {
	events := []core.Event{
		closedBy("alpha", core.FinalityTurn),
		closedBy("beta", core.FinalityNone),
	}
	next, ok, err := StrictAlternation(twoParty(), events)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", next, "an event with finality none leaves guidance unchanged")
}

func TestStrictAlternation_CompletionEndsGuidance(t *testing.T) {
	events := []core.Event{
		closedBy("alpha", core.FinalityTurn),
		closedBy("beta", core.FinalityConversation),
	}
	_, ok, err := StrictAlternation(twoParty(), events)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStrictAlternation_UndeclaredCloserRestartsRotation(t *testing.T) {
	meta := twoParty()
	meta.StartingAgent = "alpha"
	next, ok, err := StrictAlternation(meta, []core.Event{closedBy("user", core.FinalityTurn)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", next)
}

func TestStrictAlternation_NoParticipants(t *testing.T) {
	_, _, err := StrictAlternation(core.Metadata{}, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}

func TestRoundRobin_AdvancesByTurnCount(t *testing.T) {
	meta := core.Metadata{
		Participants: []core.Participant{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}

	next, ok, err := RoundRobin(meta, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", next)

	// The rotation is positional: even a close authored by an outsider
	// advances it.
	events := []core.Event{
		closedBy("user", core.FinalityTurn),
		closedBy("b", core.FinalityTurn),
	}
	next, ok, err = RoundRobin(meta, events)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", next)
}

func TestEngine_ComputeAnchorsAtLastClosedSeq(t *testing.T) {
	e := New()
	head := core.Head{LastTurn: 3, LastClosedSeq: 17}
	events := []core.Event{closedBy("alpha", core.FinalityTurn)}

	anchor, err := e.Compute(conv(twoParty()), head, events)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, int64(17), anchor.AnchorSeq)
	assert.Equal(t, "beta", anchor.NextAgent)
	assert.WithinDuration(t, time.Now().UTC().Add(DefaultDeadline), anchor.Deadline, 5*time.Second)
}

func TestEngine_CompletedConversationYieldsNoGuidance(t *testing.T) {
	e := New()
	c := conv(twoParty())
	c.Status = core.StatusCompleted

	anchor, err := e.Compute(c, core.Head{}, nil)
	require.NoError(t, err)
	assert.Nil(t, anchor)
}

func TestEngine_UnknownPolicyIsConfigurationError(t *testing.T) {
	e := New()
	meta := twoParty()
	meta.Policy = "supervisor"

	_, err := e.Compute(conv(meta), core.Head{}, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}

func TestEngine_UndeclaredNextAgentIsConfigurationError(t *testing.T) {
	e := New(func(o *Options) {
		o.Policies = map[string]Policy{
			"broken": func(core.Metadata, []core.Event) (string, bool, error) {
				return "ghost", true, nil
			},
		}
	})
	meta := twoParty()
	meta.Policy = "broken"

	_, err := e.Compute(conv(meta), core.Head{}, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}

func TestEngine_DisabledDeadline(t *testing.T) {
	e := New(func(o *Options) { o.Deadline = -1 })

	anchor, err := e.Compute(conv(twoParty()), core.Head{}, nil)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.True(t, anchor.Deadline.IsZero())
	assert.False(t, anchor.Expired(time.Now().Add(time.Hour)), "zero deadline never expires")
}
