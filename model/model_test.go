package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("test")
	m.AddResponse("ping", "pong")

	resp, err := m.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 1, m.Calls())
}

func TestMockModel_EchoFallback(t *testing.T) {
	m := NewMockModel("test")

	resp, err := m.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hello", resp.Text)
}

func TestMockModel_Fail(t *testing.T) {
	m := NewMockModel("test")
	boom := errors.New("quota exceeded")
	m.Fail(boom)

	_, err := m.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}
