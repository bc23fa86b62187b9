package anonymizer

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Anonymizer derives one-way, election-scoped voter identity hashes. The hash
// is used only to prevent double issuance of voting credentials; it is never
// stored next to a ballot, so a credential cannot be linked back to the voter
// that received it.
type Anonymizer struct{}

func New() *Anonymizer {
	return &Anonymizer{}
}

// HashVoterIdentity maps an external voter identifier to its election-scoped
// hash. Scoping by election id keeps hashes for the same voter unlinkable
// across elections.
func (a *Anonymizer) HashVoterIdentity(electionID, externalID string) string {
	d := sha3.NewLegacyKeccak256()
	d.Write([]byte(electionID))
	d.Write([]byte{0x00})
	d.Write([]byte(externalID))
	return hex.EncodeToString(d.Sum(nil))
}

// SameIdentity compares two identity hashes in constant time.
func (a *Anonymizer) SameIdentity(hashA, hashB string) bool {
	return subtle.ConstantTimeCompare([]byte(hashA), []byte(hashB)) == 1
}
