// Package ingest turns streams of telemetry units into stored record batches
// and one acknowledgment per unit.
package ingest

import "fmt"

// Payload is one fragment of the IPC stream named by SchemaID.
type Payload struct {
	SchemaID string
	Type     PayloadType
	Record   []byte
}

// Unit is one inbound message. It produces exactly one Status.
type Unit struct {
	ID       int64
	Payloads []Payload
}

// StatusCode is ordered by severity.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusNoData
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no_data"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status_%d", int(c))
}

// Reason classifies an error status. When outcomes disagree the higher
// value wins, since resending cannot fix a malformed payload.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonUnavailable failures may clear up if the unit is sent again.
	ReasonUnavailable
	// ReasonInvalid failures are caused by the payload itself.
	ReasonInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnavailable:
		return "unavailable"
	case ReasonInvalid:
		return "invalid"
	}
	return fmt.Sprintf("reason_%d", int(r))
}

// Status acknowledges one Unit. Reason is set only for StatusError.
type Status struct {
	UnitID  int64
	Code    StatusCode
	Reason  Reason
	Message string
}

// Outcome is the result of processing one payload.
type Outcome struct {
	SchemaID string
	Type     PayloadType
	Code     StatusCode
	Reason   Reason
	Detail   string
	Batches  int
	Rows     int64
}

func (o Outcome) diagnostic() string {
	return fmt.Sprintf("schema_id %q (%s): %s", o.SchemaID, o.Type, o.Detail)
}
