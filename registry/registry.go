package registry

import (
	"context"
	"errors"
	"time"
)

// The election, candidate and voter records themselves are managed outside
// the voting core. The core consumes read-only snapshots through the
// Directory interface: an election's lifecycle status and time window, its
// candidate list, and per-voter eligibility keyed by a one-way identity hash.

var (
	ErrElectionNotFound = errors.New("election not found")
	ErrVoterNotFound    = errors.New("voter not registered for election")
	ErrVotingNotOpen    = errors.New("election is not open for voting")
)

// ElectionStatus is the lifecycle state of an election, as reported by the
// external election management system.
type ElectionStatus string

const (
	ElectionStatusDraft     ElectionStatus = "DRAFT"
	ElectionStatusRunning   ElectionStatus = "RUNNING"
	ElectionStatusClosed    ElectionStatus = "CLOSED"
	ElectionStatusCancelled ElectionStatus = "CANCELLED"
)

// Candidate is a read-only candidate reference.
type Candidate struct {
	ID   string
	Name string
}

// Election is the read-only election snapshot the core operates on.
type Election struct {
	ID                   string
	Status               ElectionStatus
	StartTs              time.Time
	EndTs                time.Time
	AllowAbstention      bool
	RequireJustification bool
	Candidates           []Candidate
}

// VotingOpen reports whether votes may be cast right now: the election must
// be RUNNING and inside its time window.
func (e *Election) VotingOpen(now time.Time) bool {
	return e.Status == ElectionStatusRunning &&
		!now.Before(e.StartTs) && now.Before(e.EndTs)
}

// HasCandidate reports whether the candidate belongs to this election.
func (e *Election) HasCandidate(candidateID string) bool {
	for _, c := range e.Candidates {
		if c.ID == candidateID {
			return true
		}
	}
	return false
}

// Voter is the eligibility record for one (election, identity hash) pair.
type Voter struct {
	ExternalIDHash      string
	Eligible            bool
	IneligibilityReason string
}

// Directory is the core's view of the external election management system.
type Directory interface {
	// Election returns the snapshot for an election id, or ErrElectionNotFound.
	Election(ctx context.Context, electionID string) (*Election, error)
	// Voter returns the eligibility record for a hashed voter identity, or
	// ErrVoterNotFound if the voter is not registered for the election.
	Voter(ctx context.Context, electionID, voterIDHash string) (*Voter, error)
}
