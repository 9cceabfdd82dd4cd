package commit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarrier_AbortBeforeEnter(t *testing.T) {
	b := NewBarrier()

	assert.Equal(t, AbortNow, b.Abort())
	assert.False(t, b.Enter(), "enter must fail once abort won")
	assert.False(t, b.Promoted())
	assert.True(t, b.AbortRequested())
}

func TestBarrier_AbortDuringCommit(t *testing.T) {
	b := NewBarrier()

	assert.True(t, b.Enter())
	assert.Equal(t, AbortDeferred, b.Abort())
	b.Exit(true)

	assert.True(t, b.Promoted())
	assert.True(t, b.AbortRequested())
}

func TestBarrier_AbortAfterPromote(t *testing.T) {
	b := NewBarrier()
	b.Enter()
	b.Exit(true)

	assert.Equal(t, AbortTooLate, b.Abort())
	assert.True(t, b.Promoted())
}

func TestBarrier_FailedPromote(t *testing.T) {
	b := NewBarrier()
	b.Enter()
	b.Exit(false)

	assert.False(t, b.Promoted())
	assert.Equal(t, AbortNow, b.Abort())
	assert.False(t, b.Enter())
}

func TestBarrier_PartialPromote(t *testing.T) {
	b := NewBarrier()
	b.Enter()
	b.ExitPartial()

	assert.False(t, b.Promoted())
	assert.True(t, b.Visible())
	assert.Equal(t, AbortTooLate, b.Abort())
	b.Exit(true)
	assert.False(t, b.Promoted(), "exit after leaving the section changes nothing")
}

func TestBarrier_EnterOnce(t *testing.T) {
	b := NewBarrier()
	assert.True(t, b.Enter())
	assert.False(t, b.Enter())
}

func TestAbortResult_String(t *testing.T) {
	assert.Equal(t, "now", AbortNow.String())
	assert.Equal(t, "deferred", AbortDeferred.String())
	assert.Equal(t, "too-late", AbortTooLate.String())
}
