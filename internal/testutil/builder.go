package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/colloquy/core"
)

// MetadataBuilder provides a fluent helper for constructing conversation
// metadata in tests.
// Example:
//
//	meta := NewMetadataBuilder().Title("standup").Agent("alpha").Agent("beta").StartingAgent("alpha").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MetadataBuilder struct {
	meta core.Metadata
}

// NewMetadataBuilder creates an empty builder.
func NewMetadataBuilder() *MetadataBuilder { return &MetadataBuilder{} }

// Title sets the conversation title (chainable).
func (b *MetadataBuilder) Title(t string) *MetadataBuilder {
	b.meta.Title = t
	return b
}

// Scenario sets the scenario reference (chainable).
func (b *MetadataBuilder) Scenario(ref string) *MetadataBuilder {
	b.meta.ScenarioRef = ref
	return b
}

// Policy sets the turn policy name (chainable).
func (b *MetadataBuilder) Policy(name string) *MetadataBuilder {
	b.meta.Policy = name
	return b
}

// StartingAgent sets the agent that opens the conversation (chainable).
func (b *MetadataBuilder) StartingAgent(id string) *MetadataBuilder {
	b.meta.StartingAgent = id
	return b
}

// Agent declares a bare participant with no kind or config (chainable).
func (b *MetadataBuilder) Agent(id string) *MetadataBuilder {
	b.meta.Participants = append(b.meta.Participants, core.Participant{ID: id})
	return b
}

// Participant declares a fully specified participant (chainable).
func (b *MetadataBuilder) Participant(p core.Participant) *MetadataBuilder {
	b.meta.Participants = append(b.meta.Participants, p)
	return b
}

// ScriptedAgent declares a participant backed by a scripted runner whose
// turns are the given steps (chainable).
func (b *MetadataBuilder) ScriptedAgent(id string, steps ...ScriptStep) *MetadataBuilder {
	b.meta.Participants = append(b.meta.Participants, core.Participant{
		ID:     id,
		Kind:   "scripted",
		Config: ScriptConfig(steps...),
	})
	return b
}

// Build returns the assembled metadata value.
func (b *MetadataBuilder) Build() core.Metadata { return b.meta }

// ScriptStep mirrors the scripted runner's step shape without importing the
// lifecycle package, keeping testutil usable from every test.
type ScriptStep struct {
	Text     string        `json:"text"`
	Finality core.Finality `json:"finality,omitempty"`
}

// Say is a turn-closing script step.
func Say(text string) ScriptStep { return ScriptStep{Text: text, Finality: core.FinalityTurn} }

// Conclude is a conversation-closing script step.
func Conclude(text string) ScriptStep {
	return ScriptStep{Text: text, Finality: core.FinalityConversation}
}

// ScriptConfig encodes steps as a scripted runner participant config.
func ScriptConfig(steps ...ScriptStep) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"script": steps})
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal script config: %v", err))
	}
	return raw
}
