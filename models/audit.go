package models

import (
	"time"
)

// AuditEventType is the closed set of event types recorded in the audit log.
type AuditEventType string

const (
	// Election lifecycle events
	EventElectionCreated   AuditEventType = "ELECTION_CREATED"
	EventElectionUpdated   AuditEventType = "ELECTION_UPDATED"
	EventElectionStarted   AuditEventType = "ELECTION_STARTED"
	EventElectionClosed    AuditEventType = "ELECTION_CLOSED"
	EventElectionCancelled AuditEventType = "ELECTION_CANCELLED"

	// Candidate events
	EventCandidateAdded   AuditEventType = "CANDIDATE_ADDED"
	EventCandidateUpdated AuditEventType = "CANDIDATE_UPDATED"
	EventCandidateRemoved AuditEventType = "CANDIDATE_REMOVED"

	// Voter events
	EventVoterRegistered         AuditEventType = "VOTER_REGISTERED"
	EventVoterEligibilityChanged AuditEventType = "VOTER_ELIGIBILITY_CHANGED"

	// Token events
	EventTokenIssued   AuditEventType = "TOKEN_ISSUED"
	EventTokenConsumed AuditEventType = "TOKEN_CONSUMED"
	EventTokenRevoked  AuditEventType = "TOKEN_REVOKED"
	EventTokensExpired AuditEventType = "TOKENS_EXPIRED"

	// Voting events
	EventVoteCast       AuditEventType = "VOTE_CAST"
	EventAbstentionCast AuditEventType = "ABSTENTION_CAST"
	EventVoteVerified   AuditEventType = "VOTE_VERIFIED"

	// Tally events
	EventTallyStarted     AuditEventType = "TALLY_STARTED"
	EventTallyCompleted   AuditEventType = "TALLY_COMPLETED"
	EventTallyFailed      AuditEventType = "TALLY_FAILED"
	EventResultsPublished AuditEventType = "RESULTS_PUBLISHED"
	EventResultsVerified  AuditEventType = "RESULTS_VERIFIED"

	// Security events
	EventSecurityAlert AuditEventType = "SECURITY_ALERT"
)

// AuditEntry is one immutable record in the hash-chained audit log.
// Entries are only ever appended; Seq is the global chain order.
//
// EntryHash covers (EventType, EventData, Ts, PrevHash), and the signature
// covers (EntryHash, SignerKeyID), so any edit to a stored entry or any
// insertion/removal in the sequence breaks verification.
type AuditEntry struct {
	Seq         uint64         `gorm:"primarykey" json:"seq"`
	EventType   AuditEventType `gorm:"index;size:64;not null" json:"event_type"`
	EventData   string         `gorm:"not null" json:"event_data"`
	Ts          time.Time      `gorm:"not null" json:"ts"`
	PrevHash    string         `gorm:"size:64" json:"prev_hash"`
	EntryHash   string         `gorm:"uniqueIndex;size:64;not null" json:"entry_hash"`
	SignerKeyID string         `gorm:"size:80;not null" json:"signer_key_id"`
	Signature   string         `gorm:"not null" json:"signature"`
}

func (AuditEntry) TableName() string {
	return "audit_entries"
}
