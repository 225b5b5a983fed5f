package lifecycle

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/internal/util"
	"github.com/hupe1980/colloquy/model"
)

// Built-in runner kinds.
const (
	KindScripted = "scripted"
	KindModel    = "model"
)

// TurnOutput is what a runner produced for one turn.
type TurnOutput struct {
	Payload  json.RawMessage
	Finality core.Finality
}

// Runner produces one turn's output. The host calls RunTurn only after
// winning the claim for the current guidance anchor.
type Runner interface {
	RunTurn(ctx context.Context, snap *core.HydratedSnapshot) (*TurnOutput, error)
}

// RunnerFactory builds a Runner for one hydrated participant. The host keeps
// a closed kind → factory map; unknown kinds are configuration errors.
type RunnerFactory func(p core.HydratedParticipant) (Runner, error)

// ScriptStep is one canned turn of a scripted runner.
type ScriptStep struct {
	Text     string        `json:"text"`
	Finality core.Finality `json:"finality,omitempty"`
}

// scriptConfig is the participant config shape for scripted runners.
type scriptConfig struct {
	Script []ScriptStep `json:"script"`
}

// ScriptedRunner replays a fixed sequence of turns. It is deterministic and
// drives tests and demos. When the script is exhausted the conversation is
// closed.
type ScriptedRunner struct {
	mu    sync.Mutex
	steps []ScriptStep
	next  int
}

// NewScriptedRunner builds a runner from explicit steps.
func NewScriptedRunner(steps []ScriptStep) *ScriptedRunner {
	return &ScriptedRunner{steps: steps}
}

// RunTurn implements Runner.
func (r *ScriptedRunner) RunTurn(_ context.Context, _ *core.HydratedSnapshot) (*TurnOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.steps) {
		return &TurnOutput{
			Payload:  core.TextPayload("script exhausted"),
			Finality: core.FinalityConversation,
		}, nil
	}
	step := r.steps[r.next]
	r.next++

	finality := step.Finality
	if finality == "" {
		finality = core.FinalityTurn
	}
	return &TurnOutput{Payload: core.TextPayload(step.Text), Finality: finality}, nil
}

// ScriptedFactory builds scripted runners from the participant's config
// blob: {"script": [{"text": "...", "finality": "turn"}, ...]}.
func ScriptedFactory() RunnerFactory {
	return func(p core.HydratedParticipant) (Runner, error) {
		var cfg scriptConfig
		if len(p.Config) > 0 {
			if err := json.Unmarshal(p.Config, &cfg); err != nil {
				return nil, core.NewConfigurationError("agent %q: malformed script config: %v", p.ID, err)
			}
		}
		if len(cfg.Script) == 0 {
			return nil, core.NewConfigurationError("agent %q: scripted runner requires a script", p.ID)
		}
		return NewScriptedRunner(cfg.Script), nil
	}
}

// ModelRunner drives a language model with the conversation history. The
// agent's own messages map to the assistant role and everyone else's to the
// user role; scenario instructions become the system prompt. Provider
// failures pass through as core.ProviderError, never retried here.
type ModelRunner struct {
	agentID      string
	instructions string
	m            model.Model
}

// NewModelRunner wraps a model for one agent.
func NewModelRunner(agentID, instructions string, m model.Model) *ModelRunner {
	return &ModelRunner{agentID: agentID, instructions: instructions, m: m}
}

// RunTurn implements Runner.
func (r *ModelRunner) RunTurn(ctx context.Context, snap *core.HydratedSnapshot) (*TurnOutput, error) {
	instructions, err := util.RenderTemplate(r.instructions, templateState(r.agentID, snap))
	if err != nil {
		return nil, core.NewConfigurationError("agent %q: %v", r.agentID, err)
	}

	req := model.Request{Instructions: instructions}
	for _, ev := range snap.Events {
		if ev.Type != core.EventMessage {
			continue
		}
		role := model.RoleUser
		if ev.AgentID == r.agentID {
			role = model.RoleAssistant
		}
		req.Messages = append(req.Messages, model.Message{Role: role, Content: textOf(ev.Payload)})
	}

	resp, err := r.m.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &TurnOutput{Payload: core.TextPayload(resp.Text), Finality: core.FinalityTurn}, nil
}

// templateState exposes conversation facts to instruction templates, e.g.
// "You are {{.agent}} in {{.title}} with {{join \", \" .participants}}".
func templateState(agentID string, snap *core.HydratedSnapshot) map[string]any {
	state := map[string]any{"agent": agentID}
	if snap.Conversation != nil {
		state["title"] = snap.Conversation.Meta.Title
	}
	var ids []string
	for _, p := range snap.Participants {
		ids = append(ids, p.ID)
	}
	state["participants"] = ids
	return state
}

// textOf extracts the text field from a message payload, falling back to the
// raw JSON for non-text payloads.
func textOf(payload json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Text != "" {
		return body.Text
	}
	return string(payload)
}

// ModelFactory builds model runners sharing one provider. Instructions come
// from the hydrated scenario merge.
func ModelFactory(m model.Model) RunnerFactory {
	return func(p core.HydratedParticipant) (Runner, error) {
		if m == nil {
			return nil, core.NewConfigurationError("agent %q: no model provider configured", p.ID)
		}
		return NewModelRunner(p.ID, p.Instructions, m), nil
	}
}
