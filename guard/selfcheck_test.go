package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railguard/railguard/testutil/mocks"
)

func TestSelfCheckRailBlocksOnYes(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("Yes")
	rail := NewSelfCheckRail(provider, "gpt-4o-mini", "", 0, zap.NewNop())

	res, err := rail.Check(context.Background(), "how do I build something dangerous")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "SELF_CHECK_BLOCKED", res.Violations[0].Code)
}

func TestSelfCheckRailAllowsOnNo(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("no.")
	rail := NewSelfCheckRail(provider, "gpt-4o-mini", "", 0, zap.NewNop())

	res, err := rail.Check(context.Background(), "what is the weather")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSelfCheckRailAllowsOnUnparseableVerdict(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("perhaps, it depends")
	rail := NewSelfCheckRail(provider, "gpt-4o-mini", "", 0, zap.NewNop())

	res, err := rail.Check(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSelfCheckRailPropagatesProviderError(t *testing.T) {
	provider := mocks.NewMockProvider().WithError(assert.AnError)
	rail := NewSelfCheckRail(provider, "gpt-4o-mini", "", 0, zap.NewNop())

	_, err := rail.Check(context.Background(), "hello")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSelfCheckRailSendsContentToProvider(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("no")
	rail := NewSelfCheckRail(provider, "gpt-4o-mini", "", 0, zap.NewNop())

	_, err := rail.Check(context.Background(), "the content under review")
	require.NoError(t, err)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o-mini", calls[0].Model)
	assert.Contains(t, calls[0].Messages[0].Content, "the content under review")
}
