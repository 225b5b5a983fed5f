package claim

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colloquy/core"
)

func anchor(conversation, anchorSeq int64, next string, deadline time.Time) *core.GuidanceAnchor {
	return &core.GuidanceAnchor{
		Conversation: conversation,
		AnchorSeq:    anchorSeq,
		NextAgent:    next,
		Deadline:     deadline,
	}
}

func TestManager_FirstCallerWins(t *testing.T) {
	m := NewManager()
	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))

	assert.True(t, m.Claim(1, "alpha", 10).OK)

	res := m.Claim(1, "alpha", 10)
	assert.False(t, res.OK)
	assert.Equal(t, core.ReasonAlreadyClaimed, res.Reason)

	holder, ok := m.Holder(1, 10)
	require.True(t, ok)
	assert.Equal(t, "alpha", holder.AgentID)
}

func TestManager_StaleAnchor(t *testing.T) {
	m := NewManager()

	// No anchor installed yet.
	res := m.Claim(1, "alpha", 10)
	assert.False(t, res.OK)
	assert.Equal(t, core.ReasonStaleAnchor, res.Reason)

	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))
	m.Advance(1, anchor(1, 20, "beta", time.Time{}))

	res = m.Claim(1, "alpha", 10)
	assert.False(t, res.OK)
	assert.Equal(t, core.ReasonStaleAnchor, res.Reason)

	assert.True(t, m.Claim(1, "beta", 20).OK)
}

func TestManager_AdvanceDropsOldClaims(t *testing.T) {
	m := NewManager()
	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))
	require.True(t, m.Claim(1, "alpha", 10).OK)

	m.Advance(1, anchor(1, 20, "beta", time.Time{}))
	_, held := m.Holder(1, 10)
	assert.False(t, held)

	// Nil anchor means the conversation completed.
	m.Advance(1, nil)
	_, ok := m.Current(1)
	assert.False(t, ok)
}

func TestManager_ConversationsAreIndependent(t *testing.T) {
	m := NewManager()
	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))
	m.Advance(2, anchor(2, 11, "alpha", time.Time{}))

	assert.True(t, m.Claim(1, "alpha", 10).OK)
	assert.True(t, m.Claim(2, "alpha", 11).OK)
}

func TestManager_Release(t *testing.T) {
	m := NewManager()
	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))
	require.True(t, m.Claim(1, "alpha", 10).OK)

	// Only the holder can release.
	m.Release(1, "beta", 10)
	_, held := m.Holder(1, 10)
	assert.True(t, held)

	m.Release(1, "alpha", 10)
	_, held = m.Holder(1, 10)
	assert.False(t, held)

	assert.True(t, m.Claim(1, "beta", 10).OK, "released claim is claimable again")
}

func TestManager_DeadlineTakeover(t *testing.T) {
	now := time.Now()
	clock := now
	m := NewManager(func(o *Options) {
		o.Now = func() time.Time { return clock }
	})
	m.Advance(1, anchor(1, 10, "alpha", now.Add(time.Minute)))

	require.True(t, m.Claim(1, "alpha", 10).OK)

	res := m.Claim(1, "beta", 10)
	assert.False(t, res.OK)
	assert.Equal(t, core.ReasonAlreadyClaimed, res.Reason)

	clock = now.Add(2 * time.Minute)
	assert.True(t, m.Claim(1, "beta", 10).OK, "expired holder forfeits the claim")

	holder, ok := m.Holder(1, 10)
	require.True(t, ok)
	assert.Equal(t, "beta", holder.AgentID)
}

func TestManager_ConcurrentClaimsExactlyOneWinner(t *testing.T) {
	m := NewManager()
	m.Advance(1, anchor(1, 10, "alpha", time.Time{}))

	const n = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Claim(1, fmt.Sprintf("agent-%d", i), 10).OK {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
