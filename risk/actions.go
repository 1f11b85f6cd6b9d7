// risk/actions.go
package risk

import (
	"fmt"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
)

// Action is what the recovery machine decided for a stack in one cycle.
type Action interface {
	Description() string
}

// Close reasons
const (
	ReasonHardStop       = "hard_stop"
	ReasonStopLoss       = "stop_loss"
	ReasonCascade        = "cascade"
	ReasonAccountCascade = "account_cascade"
	ReasonBrokerClosed   = "closed_at_broker"
)

// IsStopOut reports whether a close with reason counts toward the cascade window.
// Closes forced by the breaker itself never do.
func IsStopOut(reason string, realized float64) bool {
	return (reason == ReasonHardStop || reason == ReasonStopLoss) && realized < 0
}

// === Specific Action Implementations ===

// NoOpAction represents that no action should be taken.
type NoOpAction struct{}

func (a *NoOpAction) Description() string { return "No operation." }

// ForceCloseAction closes every position of the stack, hedge and grid included.
type ForceCloseAction struct {
	Reason      string
	TriggerPips float64
	Unrealized  float64
}

func (a *ForceCloseAction) Description() string {
	return fmt.Sprintf("Force close (%s), unrealized %.2f", a.Reason, a.Unrealized)
}

// OpenDCAAction adds a same-direction position at the next DCA level.
type OpenDCAAction struct {
	Level       int
	Direction   exchange.Direction
	Volume      float64
	TriggerPips float64
	Unrealized  float64
}

func (a *OpenDCAAction) Description() string {
	return fmt.Sprintf("Open DCA level %d: %s %.3f after %.1f adverse pips", a.Level, a.Direction, a.Volume, a.TriggerPips)
}

// OpenHedgeAction opens the opposite-direction hedge.
type OpenHedgeAction struct {
	Direction   exchange.Direction
	Volume      float64
	TriggerPips float64
	Unrealized  float64
}

func (a *OpenHedgeAction) Description() string {
	return fmt.Sprintf("Open hedge: %s %.3f after %.1f adverse pips", a.Direction, a.Volume, a.TriggerPips)
}

// OpenGridAction fills one ladder rung.
type OpenGridAction struct {
	Slot        state.GridSlot
	TriggerPips float64
	Unrealized  float64
}

func (a *OpenGridAction) Description() string {
	return fmt.Sprintf("Open grid slot %d: %s %.3f @ %.5f", a.Slot.Index, a.Slot.Direction, a.Slot.Volume, a.Slot.Price)
}
