package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PayloadType tags the two ballot payload variants on the wire.
type PayloadType string

const (
	PayloadTypeVote       PayloadType = "VOTE"
	PayloadTypeAbstention PayloadType = "ABSTENTION"
)

var ErrUnknownPayloadType = errors.New("unknown ballot payload type")

// BallotPayload is the plaintext content of an encrypted ballot. Exactly two
// variants exist: VotePayload and AbstentionPayload.
type BallotPayload interface {
	PayloadType() PayloadType
}

// VotePayload selects one candidate.
type VotePayload struct {
	CandidateID string    `json:"candidateId"`
	Timestamp   time.Time `json:"timestamp"`
}

func (VotePayload) PayloadType() PayloadType { return PayloadTypeVote }

// AbstentionPayload records an explicit abstention, optionally justified.
type AbstentionPayload struct {
	Justification string    `json:"justification"`
	Timestamp     time.Time `json:"timestamp"`
}

func (AbstentionPayload) PayloadType() PayloadType { return PayloadTypeAbstention }

// wirePayload is the tagged JSON envelope shared by both variants.
type wirePayload struct {
	Type          PayloadType `json:"type"`
	CandidateID   string      `json:"candidateId,omitempty"`
	Justification string      `json:"justification,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// EncodeBallotPayload serializes a payload into its tagged wire form.
func EncodeBallotPayload(p BallotPayload) ([]byte, error) {
	var w wirePayload
	switch v := p.(type) {
	case VotePayload:
		w = wirePayload{Type: PayloadTypeVote, CandidateID: v.CandidateID, Timestamp: v.Timestamp}
	case *VotePayload:
		w = wirePayload{Type: PayloadTypeVote, CandidateID: v.CandidateID, Timestamp: v.Timestamp}
	case AbstentionPayload:
		w = wirePayload{Type: PayloadTypeAbstention, Justification: v.Justification, Timestamp: v.Timestamp}
	case *AbstentionPayload:
		w = wirePayload{Type: PayloadTypeAbstention, Justification: v.Justification, Timestamp: v.Timestamp}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayloadType, p)
	}
	return json.Marshal(w)
}

// DecodeBallotPayload parses a tagged wire payload back into its variant.
// Unknown tags return ErrUnknownPayloadType; the tally counts those as
// invalid votes rather than aborting.
func DecodeBallotPayload(data []byte) (BallotPayload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse ballot payload: %w", err)
	}
	switch w.Type {
	case PayloadTypeVote:
		return VotePayload{CandidateID: w.CandidateID, Timestamp: w.Timestamp}, nil
	case PayloadTypeAbstention:
		return AbstentionPayload{Justification: w.Justification, Timestamp: w.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, w.Type)
	}
}
