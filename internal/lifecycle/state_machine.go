// Package lifecycle owns the install/waiting/activate progression of engine
// versions and the runtime that swaps the serving controller when a new
// version takes over.
package lifecycle

import (
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
)

// validTransitions defines allowed (from → to) state transitions.
var validTransitions = map[models.EngineState][]models.EngineState{
	models.StateInstalling: {models.StateWaiting, models.StateFailed},
	// waiting → superseded covers a staged version displaced by an even
	// newer one before it ever activated.
	models.StateWaiting:    {models.StateActivating, models.StateSuperseded},
	models.StateActivating: {models.StateActive},
	models.StateActive:     {models.StateSuperseded},
	models.StateSuperseded: nil, // terminal
	models.StateFailed:     nil, // terminal
}

// CanTransition reports whether transitioning from `from` to `to` is allowed.
func CanTransition(from, to models.EngineState) bool {
	if from == to {
		return true
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
