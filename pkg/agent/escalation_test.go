package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscalationManager(t *testing.T) {
	t.Run("thresholds", func(t *testing.T) {
		e := NewEscalationManager()
		e.RecordFailure()
		e.RecordFailure()
		assert.Empty(t, e.Message())

		e.RecordFailure()
		assert.Contains(t, e.Message(), "different strategy")

		e.RecordFailure()
		assert.Contains(t, e.Message(), "Reduce scope")

		e.RecordFailure()
		msg := e.Message()
		assert.Contains(t, strings.ToLower(msg), "stop")

		again := e.Message()
		assert.NotEmpty(t, again)
		assert.NotContains(t, strings.ToLower(again), "stop")
	})

	t.Run("success resets consecutive only", func(t *testing.T) {
		e := NewEscalationManager()
		for i := 0; i < 4; i++ {
			e.RecordFailure()
		}
		e.RecordSuccess()
		assert.Equal(t, 0, e.Consecutive())
		assert.Equal(t, 4, e.Total())
		assert.Empty(t, e.Message())
	})

	t.Run("abort at ten total", func(t *testing.T) {
		e := NewEscalationManager()
		for i := 0; i < 9; i++ {
			e.RecordFailure()
			if i%2 == 0 {
				e.RecordSuccess()
			}
		}
		assert.False(t, e.ShouldAbort())
		e.RecordFailure()
		assert.True(t, e.ShouldAbort())
	})
}
