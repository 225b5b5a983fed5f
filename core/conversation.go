package core

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	// StatusCreated means the conversation exists but has no events yet.
	StatusCreated Status = "created"
	// StatusActive means at least one event has been appended.
	StatusActive Status = "active"
	// StatusCompleted means an event with conversation finality was appended.
	// A completed conversation is immutable except for read access.
	StatusCompleted Status = "completed"
)

// Participant describes one agent declared on a conversation: its stable id,
// the runner kind used by the lifecycle host to execute it, and an opaque
// per-agent configuration blob merged over scenario defaults at hydration.
type Participant struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Metadata is the caller-supplied description of a conversation. The
// participant order defines the rotation order used by turn policies.
type Metadata struct {
	Title         string        `json:"title,omitempty"`
	ScenarioRef   string        `json:"scenarioRef,omitempty"`
	Participants  []Participant `json:"participants"`
	StartingAgent string        `json:"startingAgent,omitempty"`
	Policy        string        `json:"policy,omitempty"`
}

// Participant returns the declared participant with the given id.
func (m Metadata) Participant(id string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantIDs returns the declared participant ids in rotation order.
func (m Metadata) ParticipantIDs() []string {
	ids := make([]string, len(m.Participants))
	for i, p := range m.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Conversation is a persistently logged container of turn-taking activity.
type Conversation struct {
	ID      int64     `json:"id"`
	Meta    Metadata  `json:"meta"`
	Status  Status    `json:"status"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Snapshot is the full read view of a conversation: ordered event list plus
// status and head.
type Snapshot struct {
	Conversation *Conversation `json:"conversation"`
	Events       []Event       `json:"events"`
	Head         Head          `json:"head"`
}

// ScenarioAgent is the template side of a participant: defaults that a
// conversation's own participant entry overrides at hydration time.
type ScenarioAgent struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// Scenario is a reusable conversation template referenced by
// Metadata.ScenarioRef.
type Scenario struct {
	Name   string          `json:"name"`
	Title  string          `json:"title,omitempty"`
	Agents []ScenarioAgent `json:"agents,omitempty"`
}

// Agent returns the template agent with the given id.
func (s Scenario) Agent(id string) (ScenarioAgent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return ScenarioAgent{}, false
}

// HydratedParticipant is the merged read view of a scenario template agent
// and the conversation's runtime participant entry.
type HydratedParticipant struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// HydratedSnapshot extends Snapshot with the scenario merge: template agent
// defaults overlaid with per-conversation participant overrides. It is a
// pure data merge, never a side-effecting operation.
type HydratedSnapshot struct {
	Snapshot
	Scenario     *Scenario             `json:"scenario,omitempty"`
	Participants []HydratedParticipant `json:"participants"`
}
