package session

import (
	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned for a trigger the current status does not allow.
var ErrInvalidTransition = errors.New("invalid transition")

type trigger string

const (
	triggerStart           trigger = "start"
	triggerIncoming        trigger = "incoming"
	triggerAccept          trigger = "accept"
	triggerReject          trigger = "reject"
	triggerAccepted        trigger = "accepted"
	triggerRejected        trigger = "rejected"
	triggerEnd             trigger = "end"
	triggerEnded           trigger = "ended"
	triggerParticipantLeft trigger = "participantLeft"
	triggerRelayLost       trigger = "relayLost"
)

type edge struct {
	from    Status
	role    Role
	trigger trigger
}

// transitions maps every allowed (status, role, trigger) to the next status.
// Idle has no role.
var transitions = map[edge]Status{
	{StatusIdle, "", triggerStart}:    StatusRinging,
	{StatusIdle, "", triggerIncoming}: StatusRinging,

	{StatusRinging, RoleCallee, triggerAccept}:   StatusActive,
	{StatusRinging, RoleCallee, triggerReject}:   StatusIdle,
	{StatusRinging, RoleCallee, triggerRejected}: StatusIdle,
	{StatusRinging, RoleCaller, triggerRejected}: StatusEnded,

	{StatusRinging, RoleCaller, triggerAccepted}: StatusActive,
	{StatusActive, RoleCaller, triggerAccepted}:  StatusActive,
	{StatusActive, RoleCallee, triggerAccepted}:  StatusActive,

	{StatusActive, RoleCaller, triggerParticipantLeft}: StatusActive,
	{StatusActive, RoleCallee, triggerParticipantLeft}: StatusActive,
}

func init() {
	for _, from := range []Status{StatusRinging, StatusActive} {
		for _, role := range []Role{RoleCaller, RoleCallee} {
			for _, t := range []trigger{triggerEnd, triggerEnded, triggerRelayLost} {
				transitions[edge{from, role, t}] = StatusEnded
			}
		}
	}
}

// transition returns the status reached from status by trigger.
func transition(status Status, role Role, t trigger) (Status, error) {
	if status == StatusIdle {
		role = ""
	}
	next, ok := transitions[edge{status, role, t}]
	if !ok {
		return status, errors.Wrapf(ErrInvalidTransition, "%s on %s (%s)", t, status, role)
	}
	return next, nil
}
