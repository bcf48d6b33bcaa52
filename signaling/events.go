// Package signaling contains the call events exchanged over the relay, the
// transports that carry them, and a client that sends and routes them.
package signaling

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
)

// Event names as they appear on the wire.
const (
	EventCallStart           = "call:start"
	EventCallIncoming        = "call:incoming"
	EventCallAccept          = "call:accept"
	EventCallAccepted        = "call:accepted"
	EventCallReject          = "call:reject"
	EventCallRejected        = "call:rejected"
	EventCallEnd             = "call:end"
	EventCallEnded           = "call:ended"
	EventCallOffer           = "call:offer"
	EventCallAnswer          = "call:answer"
	EventCallICECandidate    = "call:ice-candidate"
	EventCallParticipantLeft = "call:participant-left"
)

var (
	// ErrUnknownEvent is returned when decoding an event name this package does not model.
	// The relay socket is shared with chat traffic so callers usually skip these.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload is returned when an event fails validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// CallType is the kind of media a call carries.
type CallType string

// The supported call types.
const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// An Event is one of the call events below. The set is closed; each variant
// validates its own payload.
type Event interface {
	EventName() string
	EventCallID() string
	validate() error
}

// CallDetails describes a call as announced by its caller.
type CallDetails struct {
	CallID       string   `json:"callId"`
	CallerID     string   `json:"callerId"`
	CallerName   string   `json:"callerName"`
	CallerAvatar string   `json:"callerAvatar,omitempty"`
	ReceiverIDs  []string `json:"receiverIds"`
	RoomID       string   `json:"roomId"`
	CallType     CallType `json:"callType"`
	IsGroup      bool     `json:"isGroup"`
}

func (d CallDetails) validate() error {
	if err := requireFields("callId", d.CallID, "callerId", d.CallerID, "roomId", d.RoomID); err != nil {
		return err
	}
	if !d.CallType.Valid() {
		return errors.Wrapf(ErrInvalidPayload, "unknown call type %q", d.CallType)
	}
	if len(d.ReceiverIDs) == 0 {
		return errors.Wrap(ErrInvalidPayload, "no receivers")
	}
	for _, id := range d.ReceiverIDs {
		if id == "" {
			return errors.Wrap(ErrInvalidPayload, "empty receiver id")
		}
		if id == d.CallerID {
			return errors.Wrap(ErrInvalidPayload, "caller cannot be a receiver")
		}
	}
	return nil
}

// CallStart is sent by a caller to ring the receivers.
type CallStart struct {
	CallDetails
}

// CallIncoming is delivered to each receiver of a started call.
type CallIncoming struct {
	CallDetails
}

// CallAccept is sent by a callee that picked up.
type CallAccept struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// CallAccepted tells every party that UserID joined.
type CallAccepted struct {
	CallID       string   `json:"callId"`
	UserID       string   `json:"userId"`
	Participants []string `json:"participants"`
}

// CallReject is sent by a callee that declined.
type CallReject struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// CallRejected tells every party that UserID declined.
type CallRejected struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// CallEnd is sent by a party hanging up.
type CallEnd struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// CallEnded tells every party the call is over.
type CallEnded struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// CallOffer carries an SDP offer from one participant to another.
type CallOffer struct {
	CallID string                    `json:"callId"`
	Offer  webrtc.SessionDescription `json:"offer"`
	From   string                    `json:"from"`
	To     string                    `json:"to"`
}

// CallAnswer carries an SDP answer from one participant to another.
type CallAnswer struct {
	CallID string                    `json:"callId"`
	Answer webrtc.SessionDescription `json:"answer"`
	From   string                    `json:"from"`
	To     string                    `json:"to"`
}

// CallICECandidate carries a trickled ICE candidate.
type CallICECandidate struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	From      string                  `json:"from"`
	To        string                  `json:"to"`
}

// CallParticipantLeft tells the remaining parties of a group call that UserID left.
type CallParticipantLeft struct {
	CallID       string   `json:"callId"`
	UserID       string   `json:"userId"`
	Participants []string `json:"participants"`
}

func (e CallStart) EventName() string           { return EventCallStart }
func (e CallIncoming) EventName() string        { return EventCallIncoming }
func (e CallAccept) EventName() string          { return EventCallAccept }
func (e CallAccepted) EventName() string        { return EventCallAccepted }
func (e CallReject) EventName() string          { return EventCallReject }
func (e CallRejected) EventName() string        { return EventCallRejected }
func (e CallEnd) EventName() string             { return EventCallEnd }
func (e CallEnded) EventName() string           { return EventCallEnded }
func (e CallOffer) EventName() string           { return EventCallOffer }
func (e CallAnswer) EventName() string          { return EventCallAnswer }
func (e CallICECandidate) EventName() string    { return EventCallICECandidate }
func (e CallParticipantLeft) EventName() string { return EventCallParticipantLeft }

func (e CallStart) EventCallID() string           { return e.CallID }
func (e CallIncoming) EventCallID() string        { return e.CallID }
func (e CallAccept) EventCallID() string          { return e.CallID }
func (e CallAccepted) EventCallID() string        { return e.CallID }
func (e CallReject) EventCallID() string          { return e.CallID }
func (e CallRejected) EventCallID() string        { return e.CallID }
func (e CallEnd) EventCallID() string             { return e.CallID }
func (e CallEnded) EventCallID() string           { return e.CallID }
func (e CallOffer) EventCallID() string           { return e.CallID }
func (e CallAnswer) EventCallID() string          { return e.CallID }
func (e CallICECandidate) EventCallID() string    { return e.CallID }
func (e CallParticipantLeft) EventCallID() string { return e.CallID }

func (e CallAccept) validate() error   { return requireFields("callId", e.CallID, "userId", e.UserID) }
func (e CallReject) validate() error   { return requireFields("callId", e.CallID, "userId", e.UserID) }
func (e CallRejected) validate() error { return requireFields("callId", e.CallID, "userId", e.UserID) }
func (e CallEnd) validate() error      { return requireFields("callId", e.CallID, "userId", e.UserID) }
func (e CallEnded) validate() error    { return requireFields("callId", e.CallID, "userId", e.UserID) }

func (e CallAccepted) validate() error {
	if err := requireFields("callId", e.CallID, "userId", e.UserID); err != nil {
		return err
	}
	return validateParticipants(e.Participants)
}

func (e CallParticipantLeft) validate() error {
	if err := requireFields("callId", e.CallID, "userId", e.UserID); err != nil {
		return err
	}
	return validateParticipants(e.Participants)
}

func (e CallOffer) validate() error {
	if err := requireFields("callId", e.CallID, "from", e.From, "to", e.To); err != nil {
		return err
	}
	return validateDescription(e.Offer, webrtc.SDPTypeOffer)
}

func (e CallAnswer) validate() error {
	if err := requireFields("callId", e.CallID, "from", e.From, "to", e.To); err != nil {
		return err
	}
	return validateDescription(e.Answer, webrtc.SDPTypeAnswer)
}

// An empty candidate string is the end-of-candidates marker and is allowed.
func (e CallICECandidate) validate() error {
	return requireFields("callId", e.CallID, "from", e.From, "to", e.To)
}

func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return errors.Wrapf(ErrInvalidPayload, "expected %s description but got %s", want, desc.Type)
	}
	if desc.SDP == "" {
		return errors.Wrap(ErrInvalidPayload, "empty SDP")
	}
	return nil
}

func validateParticipants(participants []string) error {
	for _, id := range participants {
		if id == "" {
			return errors.Wrap(ErrInvalidPayload, "empty participant id")
		}
	}
	return nil
}

// requireFields takes name/value pairs and fails on the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return errors.Wrapf(ErrInvalidPayload, "missing %s", pairs[i])
		}
	}
	return nil
}

// envelope is the wire framing shared by every event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Validate checks an event's payload.
func Validate(ev Event) error {
	if ev == nil {
		return errors.Wrap(ErrInvalidPayload, "nil event")
	}
	return ev.validate()
}

// Encode validates and frames an event for the wire.
func Encode(ev Event) ([]byte, error) {
	if err := Validate(ev); err != nil {
		return nil, errors.Wrapf(err, "cannot encode %s", ev.EventName())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: data})
}

// Decode parses a framed event and validates it before returning the concrete variant.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "error decoding envelope")
	}

	var ev Event
	var err error
	switch env.Event {
	case EventCallStart:
		ev, err = decodeAs[CallStart](env.Data)
	case EventCallIncoming:
		ev, err = decodeAs[CallIncoming](env.Data)
	case EventCallAccept:
		ev, err = decodeAs[CallAccept](env.Data)
	case EventCallAccepted:
		ev, err = decodeAs[CallAccepted](env.Data)
	case EventCallReject:
		ev, err = decodeAs[CallReject](env.Data)
	case EventCallRejected:
		ev, err = decodeAs[CallRejected](env.Data)
	case EventCallEnd:
		ev, err = decodeAs[CallEnd](env.Data)
	case EventCallEnded:
		ev, err = decodeAs[CallEnded](env.Data)
	case EventCallOffer:
		ev, err = decodeAs[CallOffer](env.Data)
	case EventCallAnswer:
		ev, err = decodeAs[CallAnswer](env.Data)
	case EventCallICECandidate:
		ev, err = decodeAs[CallICECandidate](env.Data)
	case EventCallParticipantLeft:
		ev, err = decodeAs[CallParticipantLeft](env.Data)
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "%q", env.Event)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", env.Event)
	}
	if err := ev.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", env.Event)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return ev, nil
}
