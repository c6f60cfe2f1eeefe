package scheduler

import (
	"encoding/json"

	"github.com/go-errors/errors"
)

// Message types are unrecognized-tolerant per spec.md §4.6 ("Unrecognized
// message types MUST be ignored by both sides to allow protocol
// evolution"): both scheduler.go's dispatch and client.go's readLoop skip
// anything outside this set rather than erroring.
const (
	TypeExperts MessageType = "experts"
	TypeNeedJob MessageType = "need_job"
	TypeStarted MessageType = "started"
	TypeStopped MessageType = "stopped"

	TypeJob     MessageType = "job"
	TypeNoJob   MessageType = "no_job"
	TypeStop    MessageType = "stop"
	TypeRestart MessageType = "restart"
)

// MessageType names one of the wire messages spec.md §4.6 defines.
type MessageType string

// envelope is the on-wire shape: a type discriminator plus a
// type-specific payload, deserialized in two passes.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExpertsPayload is the worker → scheduler `experts` message: the
// worker's current declaration of what it runs, used to rebuild
// assignment state on reconnect.
type ExpertsPayload struct {
	WorkerID string   `json:"workerId"`
	Experts  []string `json:"experts"`
}

// NeedJobPayload is the worker → scheduler `need_job` message.
type NeedJobPayload struct {
	WorkerID string `json:"workerId"`
}

// StartedPayload is the worker → scheduler `started` message.
type StartedPayload struct {
	WorkerID     string `json:"workerId"`
	ExpertPubkey string `json:"expertPubkey"`
}

// StoppedPayload is the worker → scheduler `stopped` message.
type StoppedPayload struct {
	WorkerID     string `json:"workerId"`
	ExpertPubkey string `json:"expertPubkey"`
}

// JobPayload is the scheduler → worker `job` message: a full
// configuration snapshot for the worker to bring up.
type JobPayload struct {
	ExpertPubkey string        `json:"expertPubkey"`
	Expert       *ExpertRecord `json:"expert"`
	NWCString    string        `json:"nwcString"`
}

// NoJobPayload is the scheduler → worker `no_job` message; it carries no
// fields.
type NoJobPayload struct{}

// StopPayload is the scheduler → worker `stop` message.
type StopPayload struct {
	ExpertPubkey string `json:"expertPubkey"`
}

// RestartPayload is the scheduler → worker `restart` message: wind the
// expert down then bring it back with the enclosed new snapshot.
type RestartPayload struct {
	ExpertPubkey string        `json:"expertPubkey"`
	Expert       *ExpertRecord `json:"expert"`
	NWCString    string        `json:"nwcString"`
}

func encodeMessage(typ MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return json.Marshal(envelope{Type: typ, Payload: raw})
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &env, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if raw == nil {
		return errors.New("scheduler: missing payload")
	}
	return json.Unmarshal(raw, v)
}
