package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateRepliesAndRemembers(t *testing.T) {
	c := NewTemplate("lazyjohn", []string{"casual_chat"}, "")
	ctx := context.Background()

	first, err := c.ProcessMessage(ctx, Request{SessionID: "s1", Message: "  hello "})
	require.NoError(t, err)
	assert.Equal(t, `lazyjohn heard you: "hello" (turn 1)`, first.Text)
	assert.Equal(t, 0, first.Data["history"])

	second, err := c.ProcessMessage(ctx, Request{SessionID: "s1", Message: "again"})
	require.NoError(t, err)
	assert.Contains(t, second.Text, "(turn 2)")
	assert.Equal(t, 2, second.Data["history"])

	assert.Equal(t, 1, c.Sessions())
	c.Forget("s1")
	assert.Equal(t, 0, c.Sessions())
}

func TestTemplateRejectsEmptyAndCancelled(t *testing.T) {
	c := NewTemplate("a", nil, "")
	_, err := c.ProcessMessage(context.Background(), Request{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ProcessMessage(ctx, Request{Message: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapabilitiesAreCopied(t *testing.T) {
	c := NewTemplate("a", []string{"x"}, "")
	caps := c.Capabilities()
	caps[0] = "mutated"
	assert.Equal(t, []string{"x"}, c.Capabilities())
	assert.Equal(t, "a", c.Name())
}

func TestTurnNumberOutlivesBoundedTranscript(t *testing.T) {
	c := NewTemplate("a", nil, "")
	ctx := context.Background()
	var last Reply
	for i := 1; i <= 12; i++ {
		reply, err := c.ProcessMessage(ctx, Request{SessionID: "s1", Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, i, reply.Data["turn"])
		last = reply
	}
	assert.Equal(t, `a heard you: "hi" (turn 12)`, last.Text)
	assert.Equal(t, defaultMemory, last.Data["history"], "transcript stays bounded")

	other, err := c.ProcessMessage(ctx, Request{SessionID: "s2", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, other.Data["turn"])

	c.Forget("s1")
	again, err := c.ProcessMessage(ctx, Request{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Data["turn"], "a forgotten session starts over")
}
