package models

import (
	"errors"
	"time"
)

// TallyStatus tracks the tally state machine for one election result.
type TallyStatus string

const (
	TallyStatusPending    TallyStatus = "PENDING"
	TallyStatusInProgress TallyStatus = "IN_PROGRESS"
	TallyStatusCompleted  TallyStatus = "COMPLETED"
	TallyStatusFailed     TallyStatus = "FAILED"
	TallyStatusVerified   TallyStatus = "VERIFIED"
)

var (
	ErrTallyAlreadyStarted = errors.New("tally already started or completed")
	ErrTallyNotInProgress  = errors.New("tally is not in progress")
	ErrTallyNotCompleted   = errors.New("tally is not completed")
)

// ElectionResult is the single tally outcome for one election. Exactly one
// row exists per election; Completed and Failed are terminal for the attempt.
type ElectionResult struct {
	ID                string            `gorm:"primarykey;size:36" json:"id"`
	ElectionID        string            `gorm:"uniqueIndex;size:36;not null" json:"election_id"`
	Status            TallyStatus       `gorm:"index;size:16;not null" json:"status"`
	TallyStartedAt    *time.Time        `json:"tally_started_at,omitempty"`
	TallyCompletedAt  *time.Time        `json:"tally_completed_at,omitempty"`
	TotalBallots      int64             `gorm:"not null;default:0" json:"total_ballots"`
	ValidVotes        int64             `gorm:"not null;default:0" json:"valid_votes"`
	Abstentions       int64             `gorm:"not null;default:0" json:"abstentions"`
	InvalidVotes      int64             `gorm:"not null;default:0" json:"invalid_votes"`
	TokensIssued      int64             `gorm:"not null;default:0" json:"tokens_issued"`
	TurnoutPercentage float64           `gorm:"not null;default:0" json:"turnout_percentage"`
	MerkleRoot        string            `gorm:"size:64" json:"merkle_root"`
	ResultsHash       string            `gorm:"size:64" json:"results_hash"`
	ResultsSignature  string            `json:"results_signature"`
	TalliedBy         string            `gorm:"size:36" json:"tallied_by"`
	Published         bool              `gorm:"not null;default:false" json:"published"`
	PublishedAt       *time.Time        `json:"published_at,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	CandidateResults  []CandidateResult `gorm:"foreignKey:ResultID" json:"candidate_results"`
}

func (ElectionResult) TableName() string {
	return "election_results"
}

// CandidateResult is the per-candidate vote count within an election result.
// It references its parent and candidate by id only.
type CandidateResult struct {
	ID           string  `gorm:"primarykey;size:36" json:"id"`
	ResultID     string  `gorm:"index;size:36;not null" json:"-"`
	CandidateID  string  `gorm:"index;size:36;not null" json:"candidate_id"`
	VoteCount    int64   `gorm:"not null;default:0" json:"vote_count"`
	Percentage   float64 `gorm:"not null;default:0" json:"percentage"`
	RankPosition int     `json:"rank_position"`
	IsWinner     bool    `gorm:"not null;default:false" json:"is_winner"`
}

func (CandidateResult) TableName() string {
	return "candidate_results"
}

// StartTally transitions Pending -> InProgress.
func (r *ElectionResult) StartTally(operatorID string, now time.Time) error {
	if r.Status != TallyStatusPending {
		return ErrTallyAlreadyStarted
	}
	r.Status = TallyStatusInProgress
	r.TallyStartedAt = &now
	r.TalliedBy = operatorID
	return nil
}

// CompleteTally transitions InProgress -> Completed, recording the commitment.
func (r *ElectionResult) CompleteTally(merkleRoot, resultsHash, signature string, now time.Time) error {
	if r.Status != TallyStatusInProgress {
		return ErrTallyNotInProgress
	}
	r.Status = TallyStatusCompleted
	r.TallyCompletedAt = &now
	r.MerkleRoot = merkleRoot
	r.ResultsHash = resultsHash
	r.ResultsSignature = signature
	return nil
}

// FailTally marks the attempt Failed, recording the reason. Terminal.
func (r *ElectionResult) FailTally(reason string) {
	r.Status = TallyStatusFailed
	r.Notes = reason
}

// Publish flags a completed result as public. Republishing is a no-op; the
// original publish timestamp is kept.
func (r *ElectionResult) Publish(now time.Time) error {
	if r.Status != TallyStatusCompleted && r.Status != TallyStatusVerified {
		return ErrTallyNotCompleted
	}
	if r.Published {
		return nil
	}
	r.Published = true
	r.PublishedAt = &now
	return nil
}

// MarkVerified records auditor sign-off on a completed result.
func (r *ElectionResult) MarkVerified() error {
	if r.Status != TallyStatusCompleted {
		return ErrTallyNotCompleted
	}
	r.Status = TallyStatusVerified
	return nil
}

// CalculateTurnout derives the turnout percentage from tokens issued.
func (r *ElectionResult) CalculateTurnout() {
	if r.TokensIssued > 0 {
		r.TurnoutPercentage = float64(r.TotalBallots) * 100.0 / float64(r.TokensIssued)
	}
}

// IsFinal reports whether the tally reached a successful terminal state.
func (r *ElectionResult) IsFinal() bool {
	return r.Status == TallyStatusCompleted || r.Status == TallyStatusVerified
}
