package models

import "time"

// TransitionEvent records one committed status change. Digest chains over the previous event.
type TransitionEvent struct {
	ID         string        `db:"id" json:"id"`
	RequestID  string        `db:"request_id" json:"request_id"`
	FromStatus RequestStatus `db:"from_status" json:"from"`
	ToStatus   RequestStatus `db:"to_status" json:"to"`
	ActorID    string        `db:"actor_id" json:"actor_id"`
	ActorRole  UserRole      `db:"actor_role" json:"actor_role"`
	Digest     string        `db:"digest" json:"digest"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// Actor is the authenticated caller driving a transition.
type Actor struct {
	ID   string
	Role UserRole
}
