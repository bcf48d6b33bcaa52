// Package session runs the call state machine: ringing, accepting, rejecting
// and ending calls, and driving the peer connections of the participants.
package session

import (
	"time"

	"github.com/pkg/errors"

	"github.com/huddlechat/callcore/peer"
	"github.com/huddlechat/callcore/signaling"
)

var (
	// ErrRelayNotConnected is returned when an operation needs the relay and it is down.
	ErrRelayNotConnected = errors.New("relay not connected")
	// ErrInvalidUser is returned when there is no local user to call as.
	ErrInvalidUser = errors.New("invalid local user")
	// ErrNoIncomingCall is returned when accepting or rejecting with nothing ringing.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrNoActiveCall is returned by operations that need a call in progress.
	ErrNoActiveCall = errors.New("no active call")
	// ErrCallInProgress is returned when starting or accepting while already in a call.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrClosed is returned once the Manager is closed.
	ErrClosed = errors.New("session manager closed")
)

// Status is the local status of a call.
type Status string

// The statuses a call goes through.
const (
	StatusIdle    Status = "idle"
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Role is the local user's part in a call.
type Role string

// The roles.
const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// An IncomingCall is a call ringing for the local user that they have not
// answered yet.
type IncomingCall struct {
	CallID       string
	CallerID     string
	CallerName   string
	CallerAvatar string
	RoomID       string
	CallType     signaling.CallType
	IsGroup      bool
}

func incomingFromDetails(d signaling.CallDetails) IncomingCall {
	return IncomingCall{
		CallID:       d.CallID,
		CallerID:     d.CallerID,
		CallerName:   d.CallerName,
		CallerAvatar: d.CallerAvatar,
		RoomID:       d.RoomID,
		CallType:     d.CallType,
		IsGroup:      d.IsGroup,
	}
}

// A CallSession is the local view of the call in progress.
type CallSession struct {
	CallID       string
	CallerID     string
	CallerName   string
	CallerAvatar string
	ReceiverIDs  []string
	RoomID       string
	CallType     signaling.CallType
	IsGroup      bool
	Status       Status
	Role         Role
	Participants []string
	// StartTime is when the call became active. It is zero while ringing.
	StartTime time.Time
}

func (s *CallSession) clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.ReceiverIDs = append([]string(nil), s.ReceiverIDs...)
	out.Participants = append([]string(nil), s.Participants...)
	return &out
}

// members is everyone allowed to take part in the call.
func (s *CallSession) members() map[string]struct{} {
	out := make(map[string]struct{}, len(s.ReceiverIDs)+1)
	out[s.CallerID] = struct{}{}
	for _, id := range s.ReceiverIDs {
		out[id] = struct{}{}
	}
	return out
}

func (s *CallSession) hasParticipant(userID string) bool {
	for _, id := range s.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// A Snapshot is the state handed to subscribers after every change.
type Snapshot struct {
	Session       *CallSession
	Incoming      *IncomingCall
	Ringing       bool
	MicEnabled    bool
	CameraEnabled bool
	RemoteStreams map[string]peer.RemoteStream
}

// Status is the local status, counting an unanswered incoming call as ringing.
func (s Snapshot) Status() Status {
	switch {
	case s.Session != nil:
		return s.Session.Status
	case s.Incoming != nil:
		return StatusRinging
	default:
		return StatusIdle
	}
}
