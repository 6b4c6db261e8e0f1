package engine

import "github.com/maxthelion/octopoid-server/internal/db"

// Action names every transition the engine knows how to apply. The engine
// dispatches on this tag rather than branching on ad hoc state comparisons.
type Action string

const (
	ActionClaim           Action = "claim"
	ActionClaimForReview  Action = "claim_for_review"
	ActionSubmit          Action = "submit"
	ActionAccept          Action = "accept"
	ActionReject          Action = "reject"
	ActionRequeue         Action = "requeue"
	ActionBlock           Action = "block"
	ActionUnblock         Action = "unblock"
)

// transitionSpec documents the static from/to and history event name for an
// action. Submit's "to" is resolved dynamically by the burnout guard, so its
// entry here is the non-burnout default.
type transitionSpec struct {
	from  string
	to    string
	event string
}

var transitions = map[Action]transitionSpec{
	ActionClaim:          {from: db.QueueIncoming, to: db.QueueClaimed, event: "claimed"},
	ActionClaimForReview: {from: db.QueueProvisional, to: db.QueueProvisional, event: "review_claimed"},
	ActionSubmit:         {from: db.QueueClaimed, to: db.QueueProvisional, event: "submitted"},
	ActionAccept:         {from: db.QueueProvisional, to: db.QueueDone, event: "accepted"},
	ActionReject:         {from: db.QueueProvisional, to: db.QueueIncoming, event: "rejected"},
	ActionRequeue:        {from: db.QueueClaimed, to: db.QueueIncoming, event: "requeued"},
	ActionBlock:          {from: db.QueueIncoming, to: db.QueueBlocked, event: "blocked"},
	ActionUnblock:        {from: db.QueueBlocked, to: db.QueueIncoming, event: "unblocked"},
}
