// Package protocol is the control channel between the orchestrator and an
// advisor. Messages are ordered per direction; the two directions are
// independent.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
)

type Command string

const (
	// Orchestrator -> advisor.
	Initialize        Command = "IN"
	RequestTrialJobs  Command = "GE"
	ReportMetricData  Command = "ME"
	UpdateSearchSpace Command = "SS"
	ImportData        Command = "FD"
	TrialEnd          Command = "EN"
	Terminate         Command = "TE"

	// Advisor -> orchestrator.
	NewTrialJob     Command = "TR"
	NoMoreTrialJobs Command = "NO"
	BestFinalMetric Command = "BM"
)

func (c Command) Known() bool {
	switch c {
	case Initialize, RequestTrialJobs, ReportMetricData, UpdateSearchSpace, ImportData, TrialEnd, Terminate,
		NewTrialJob, NoMoreTrialJobs, BestFinalMetric:
		return true
	}
	return false
}

func (c Command) String() string {
	names := map[Command]string{
		Initialize:        "Initialize",
		RequestTrialJobs:  "RequestTrialJobs",
		ReportMetricData:  "ReportMetricData",
		UpdateSearchSpace: "UpdateSearchSpace",
		ImportData:        "ImportData",
		TrialEnd:          "TrialEnd",
		Terminate:         "Terminate",
		NewTrialJob:       "NewTrialJob",
		NoMoreTrialJobs:   "NoMoreTrialJobs",
		BestFinalMetric:   "BestFinalMetric",
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%q)", string(c))
}

// Message is one command plus its JSON payload.
type Message struct {
	Command Command         `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s", m.Command, string(m.Data))
}

func NewMessage(cmd Command, payload interface{}) (Message, error) {
	if !cmd.Known() {
		return Message{}, kerrors.NewProtocolError("unknown command %q", string(cmd))
	}
	if payload == nil {
		return Message{Command: cmd}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, kerrors.NewProtocolError("encoding %s payload: %v", cmd, err)
	}
	return Message{Command: cmd, Data: data}, nil
}

// Validate checks the command is known and the payload is JSON.
func (m Message) Validate() error {
	if !m.Command.Known() {
		return kerrors.NewProtocolError("unknown command %q", string(m.Command))
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return kerrors.NewProtocolError("%s payload is not valid JSON", m.Command)
	}
	return nil
}

// Decode unmarshals the payload into v, reporting failures as ProtocolErrors.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return kerrors.NewProtocolError("%s has no payload", m.Command)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return kerrors.NewProtocolError("decoding %s payload: %v", m.Command, err)
	}
	return nil
}

// Conn is one endpoint of a control channel.
type Conn interface {
	// Send enqueues m without waiting for the peer.
	Send(m Message) error

	// Receive blocks for the next inbound message. A ProtocolError means the
	// single message was malformed and the channel is still usable; any other
	// error means the channel is gone.
	Receive(ctx context.Context) (Message, error)

	Close() error
}

// ErrClosed is returned by Receive and Send once the channel is closed and
// drained.
var ErrClosed = fmt.Errorf("protocol channel closed")
