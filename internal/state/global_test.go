package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalContext(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, configMinimal)
	require.NotNil(t, g)
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Equal(t, "test", g.BuildVersion)
	assert.NotNil(t, g.Flags)
	assert.False(t, g.Flags.Contains(FlagLinkUp | FlagSessionUp))

	g.Stop()
	assert.True(t, g.StopWait(time.Second))
}
