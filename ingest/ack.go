package ingest

import "strings"

const (
	messageOK                 = "ok"
	messageNoPayloads         = "unit carried no payloads"
	messageClosedBeforeFinish = "closed before completion"
)

// Acknowledge folds the outcomes of a unit's payloads into its Status. The
// code is the worst outcome (Error over NoData over OK); the message is "ok"
// or the diagnostics of every non-OK payload, in payload order. An error
// status carries the highest Reason among the failed payloads.
func Acknowledge(unitID int64, outcomes []Outcome) Status {
	if len(outcomes) == 0 {
		return Status{UnitID: unitID, Code: StatusNoData, Message: messageNoPayloads}
	}

	code := StatusOK
	reason := ReasonNone
	var diags []string
	for _, o := range outcomes {
		if o.Code > code {
			code = o.Code
		}
		if o.Code == StatusError && o.Reason > reason {
			reason = o.Reason
		}
		if o.Code != StatusOK {
			diags = append(diags, o.diagnostic())
		}
	}

	if code == StatusOK {
		return Status{UnitID: unitID, Code: StatusOK, Message: messageOK}
	}
	if code == StatusError && reason == ReasonNone {
		reason = ReasonUnavailable
	}
	return Status{UnitID: unitID, Code: code, Reason: reason, Message: strings.Join(diags, "; ")}
}

// interrupted is the Status of a unit cut short by a transport failure.
func interrupted(unitID int64) Status {
	return Status{UnitID: unitID, Code: StatusError, Reason: ReasonUnavailable, Message: messageClosedBeforeFinish}
}
