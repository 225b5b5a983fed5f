package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/orchestrator"
)

func scriptConfigJSON(t *testing.T, steps []ScriptStep) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"script": steps})
	require.NoError(t, err)
	return raw
}

func newScriptedConversation(t *testing.T, orch *orchestrator.Orchestrator) *core.Conversation {
	t.Helper()
	conv, err := orch.CreateConversation(context.Background(), core.Metadata{
		Participants: []core.Participant{
			{ID: "alpha", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{
				{Text: "opening statement", Finality: core.FinalityTurn},
			})},
			{ID: "beta", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{
				{Text: "closing statement", Finality: core.FinalityConversation},
			})},
		},
		StartingAgent: "alpha",
	})
	require.NoError(t, err)
	return conv
}

func messagesBy(snap *core.Snapshot, agentID string) []core.Event {
	var out []core.Event
	for _, ev := range snap.Events {
		if ev.Type == core.EventMessage && ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out
}

func waitForCompletion(t *testing.T, orch *orchestrator.Orchestrator, conversation int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		conv, err := orch.GetConversation(context.Background(), conversation)
		return err == nil && conv.Status == core.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond, "conversation never completed")
}

func TestHost_ScriptedConversationRunsToCompletion(t *testing.T) {
	orch := orchestrator.New()
	host := NewHost(orch)
	defer host.Close()
	ctx := context.Background()

	conv := newScriptedConversation(t, orch)
	require.NoError(t, host.Ensure(ctx, conv.ID, []string{"alpha", "beta"}))

	waitForCompletion(t, orch, conv.ID)

	snap, err := orch.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messagesBy(snap, "alpha"), 1)
	require.Len(t, messagesBy(snap, "beta"), 1)
	assert.Less(t, messagesBy(snap, "alpha")[0].Seq, messagesBy(snap, "beta")[0].Seq, "alpha speaks first")
}

func TestHost_EnsureValidation(t *testing.T) {
	orch := orchestrator.New()
	host := NewHost(orch)
	defer host.Close()
	ctx := context.Background()

	conv := newScriptedConversation(t, orch)

	err := host.Ensure(ctx, conv.ID, []string{"ghost"})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	err = host.Ensure(ctx, 999, []string{"alpha"})
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestHost_ConcurrentEnsureStartsOneLoop(t *testing.T) {
	orch := orchestrator.New()
	host := NewHost(orch)
	defer host.Close()
	ctx := context.Background()

	conv, err := orch.CreateConversation(ctx, core.Metadata{
		Participants: []core.Participant{
			{ID: "alpha", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{
				{Text: "only turn", Finality: core.FinalityConversation},
			})},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := host.Ensure(ctx, conv.ID, []string{"alpha"}); err != nil {
				panic(err)
			}
		}()
	}
	wg.Wait()

	waitForCompletion(t, orch, conv.ID)

	snap, err := orch.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messagesBy(snap, "alpha"), 1, "redundant ensures must yield exactly one turn output")
}

func TestHost_TwoHostsOneTurnOutput(t *testing.T) {
	orch := orchestrator.New()
	registry := NewInMemoryRegistry()
	hostA := NewHost(orch, func(o *HostOptions) { o.Registry = registry })
	hostB := NewHost(orch, func(o *HostOptions) { o.Registry = registry })
	defer hostA.Close()
	defer hostB.Close()
	ctx := context.Background()

	conv, err := orch.CreateConversation(ctx, core.Metadata{
		Participants: []core.Participant{
			{ID: "alpha", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{
				{Text: "single", Finality: core.FinalityConversation},
			})},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, h := range []*Host{hostA, hostB} {
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()
			if err := h.Ensure(ctx, conv.ID, []string{"alpha"}); err != nil {
				panic(err)
			}
		}(h)
	}
	wg.Wait()

	waitForCompletion(t, orch, conv.ID)
	// Give any redundant loop time to act if it incorrectly could.
	time.Sleep(100 * time.Millisecond)

	snap, err := orch.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messagesBy(snap, "alpha"), 1, "claim exclusivity must hold across hosts")
}

func TestHost_StopLeavesCoLocatedAgents(t *testing.T) {
	orch := orchestrator.New()
	host := NewHost(orch)
	defer host.Close()
	ctx := context.Background()

	// Guidance stays with the unhosted moderator, so both loops idle.
	conv2, err := orch.CreateConversation(ctx, core.Metadata{
		Participants: []core.Participant{
			{ID: "moderator"},
			{ID: "alpha", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{{Text: "a"}})},
			{ID: "beta", Kind: KindScripted, Config: scriptConfigJSON(t, []ScriptStep{{Text: "b"}})},
		},
		StartingAgent: "moderator",
	})
	require.NoError(t, err)

	require.NoError(t, host.Ensure(ctx, conv2.ID, []string{"alpha", "beta"}))
	require.True(t, host.Running(conv2.ID, "alpha"))

	require.NoError(t, host.Stop(ctx, conv2.ID, []string{"beta"}))
	assert.False(t, host.Running(conv2.ID, "beta"))
	assert.True(t, host.Running(conv2.ID, "alpha"), "stopping one agent must not drop co-located agents")

	all, err := host.registry.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, all[conv2.ID])
}

func TestHost_ResumeAll(t *testing.T) {
	orch := orchestrator.New()
	registry := NewInMemoryRegistry()
	ctx := context.Background()

	conv := newScriptedConversation(t, orch)
	require.NoError(t, registry.Ensure(ctx, conv.ID, []string{"alpha", "beta"}))

	// A fresh process comes up with the persisted registry.
	host := NewHost(orch, func(o *HostOptions) { o.Registry = registry })
	defer host.Close()
	require.NoError(t, host.ResumeAll(ctx))

	waitForCompletion(t, orch, conv.ID)
}

func TestScriptedRunner_Exhaustion(t *testing.T) {
	r := NewScriptedRunner([]ScriptStep{{Text: "one"}})

	out, err := r.RunTurn(context.Background(), &core.HydratedSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, core.FinalityTurn, out.Finality)

	out, err = r.RunTurn(context.Background(), &core.HydratedSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, core.FinalityConversation, out.Finality, "exhausted script closes the conversation")
}

func TestScriptedFactory_RequiresScript(t *testing.T) {
	_, err := ScriptedFactory()(core.HydratedParticipant{ID: "alpha"})
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
}
