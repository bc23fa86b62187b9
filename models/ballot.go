package models

import (
	"time"
)

// EncryptedBallot is one cast vote or abstention. Rows are append-only: after
// insertion the only permitted mutation is setting the tallied flag.
//
// Seq is the storage-assigned chain order within the table; BallotHash links
// each ballot to its predecessor for the same election via PrevBallotHash.
type EncryptedBallot struct {
	Seq                   uint64     `gorm:"primarykey" json:"-"`
	ID                    string     `gorm:"uniqueIndex;size:36;not null" json:"id"`
	ElectionID            string     `gorm:"index;size:36;not null" json:"election_id"`
	Ciphertext            string     `gorm:"not null" json:"ciphertext"`
	Algorithm             string     `gorm:"size:32;not null" json:"algorithm"`
	KeyID                 string     `gorm:"size:64;not null" json:"key_id"`
	Nonce                 string     `gorm:"not null" json:"nonce"`
	CastAt                time.Time  `gorm:"index;not null" json:"cast_at"`
	IPHash                string     `gorm:"size:64" json:"-"`
	UserAgentHash         string     `gorm:"size:64" json:"-"`
	BallotHash            string     `gorm:"uniqueIndex;size:64;not null" json:"ballot_hash"`
	PrevBallotHash        string     `gorm:"size:64" json:"prev_ballot_hash"`
	VerificationSignature string     `json:"verification_signature"`
	Tallied               bool       `gorm:"not null;default:false" json:"tallied"`
	TalliedAt             *time.Time `json:"tallied_at,omitempty"`
}

func (EncryptedBallot) TableName() string {
	return "encrypted_ballots"
}

// MarkTallied flags the ballot as counted. Idempotent.
func (b *EncryptedBallot) MarkTallied(now time.Time) {
	if b.Tallied {
		return
	}
	b.Tallied = true
	b.TalliedAt = &now
}
