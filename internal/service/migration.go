package service

import (
	"fmt"

	"github.com/and161185/caseflow/internal/model"
)

// outcomeMigrations maps deprecated verification outcomes to their current
// equivalents. One-way: current values never map anywhere.
var outcomeMigrations = map[model.VerificationOutcome]model.VerificationOutcome{
	"Positive":              model.OutcomePositiveAndDoorLocked,
	"Negative":              model.OutcomeNSPAndDoorLocked,
	"Shifted":               model.OutcomeShiftedAndDoorLocked,
	"Door Locked & Shifted": model.OutcomeShiftedAndDoorLocked,
	"DoorLockedAndShifted":  model.OutcomeShiftedAndDoorLocked,
}

// migrateOutcomes rewrites deprecated outcome values in place and appends
// an audit note to every remapped case recording the original and the new
// value. Reports whether anything changed; running it on already-migrated
// data changes nothing.
func migrateOutcomes(cases []model.Case) ([]model.Case, bool) {
	changed := false
	for i := range cases {
		target, ok := outcomeMigrations[cases[i].VerificationOutcome]
		if !ok {
			continue
		}
		note := fmt.Sprintf("[MIGRATED] Verification outcome changed from %q to %q",
			cases[i].VerificationOutcome, target)
		if cases[i].Notes != "" {
			cases[i].Notes += "\n\n" + note
		} else {
			cases[i].Notes = note
		}
		cases[i].VerificationOutcome = target
		changed = true
	}
	return cases, changed
}
