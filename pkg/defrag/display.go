package defrag

import (
	"fmt"
	"log/slog"
)

// Status rows. A log message's slot picks the row it replaces in a status
// panel; its level is reported separately.
const (
	SlotTarget uint8 = iota
	SlotPhase
	SlotFile
	SlotCounters
	SlotWarning
	SlotError
	SlotSummary

	NumSlots
)

var slotNames = [NumSlots]string{"target", "phase", "file", "counters", "warning", "error", "summary"}

// SlotName returns a short label for a status row.
func SlotName(slot uint8) string {
	if slot < NumSlots {
		return slotNames[slot]
	}
	return fmt.Sprintf("slot%d", slot)
}

// show publishes a status line and mirrors it to the engine logger.
func (s *session) show(slot uint8, level slog.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Log(s.ctx, level, msg, "slot", SlotName(slot))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return
	}
	s.dispatcher.AddLogMessage(slot, level, msg)
}

// showProgress publishes done out of total.
func (s *session) showProgress(done, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return
	}
	s.dispatcher.UpdateProgress(float64(done), float64(total))
}
