package core

import "testing"

func TestAppendInput_Validate(t *testing.T) {
	good := AppendInput{Conversation: 1, Type: EventMessage, Finality: FinalityNone, AgentID: "alpha"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	cases := []AppendInput{
		{Type: EventMessage, Finality: FinalityNone, AgentID: "alpha"},             // missing conversation
		{Conversation: 1, Type: "bogus", Finality: FinalityNone, AgentID: "a"},     // bad type
		{Conversation: 1, Type: EventMessage, Finality: "later", AgentID: "a"},     // bad finality
		{Conversation: 1, Type: EventMessage, Finality: FinalityNone},              // missing agent
		{Conversation: 1, Type: EventSystem, Finality: FinalityTurn, AgentID: "a"}, // system closing a turn
	}
	for i, in := range cases {
		if err := in.Validate(); err == nil {
			t.Errorf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestEventFilter_Matches(t *testing.T) {
	ev := Event{Type: EventMessage, AgentID: "alpha"}

	var nilFilter *EventFilter
	if !nilFilter.Matches(ev) {
		t.Error("nil filter should match everything")
	}
	if !(&EventFilter{Types: []EventType{EventMessage}}).Matches(ev) {
		t.Error("type filter should match")
	}
	if (&EventFilter{Types: []EventType{EventTrace}}).Matches(ev) {
		t.Error("type filter should reject")
	}
	if !(&EventFilter{Agents: []string{"beta", "alpha"}}).Matches(ev) {
		t.Error("agent filter should match")
	}
	if (&EventFilter{Agents: []string{"beta"}}).Matches(ev) {
		t.Error("agent filter should reject")
	}
}

func TestFinality_Closes(t *testing.T) {
	if FinalityNone.Closes() {
		t.Error("none should not close")
	}
	if !FinalityTurn.Closes() || !FinalityConversation.Closes() {
		t.Error("turn and conversation finality should close")
	}
}
