package registry

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDirectory is an in-memory Directory implementation used by tests and
// development setups. The production deployment points the core at the real
// election management service instead.
type MemoryDirectory struct {
	mu        sync.RWMutex
	elections map[string]*Election
	voters    map[string]map[string]*Voter
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		elections: make(map[string]*Election),
		voters:    make(map[string]map[string]*Voter),
	}
}

func (d *MemoryDirectory) Election(ctx context.Context, electionID string) (*Election, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	election, ok := d.elections[electionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrElectionNotFound, electionID)
	}
	// Return a copy to prevent modification of internal state
	snapshot := *election
	snapshot.Candidates = append([]Candidate(nil), election.Candidates...)
	return &snapshot, nil
}

func (d *MemoryDirectory) Voter(ctx context.Context, electionID, voterIDHash string) (*Voter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voter, ok := d.voters[electionID][voterIDHash]
	if !ok {
		return nil, fmt.Errorf("%w: election %s", ErrVoterNotFound, electionID)
	}
	voterCopy := *voter
	return &voterCopy, nil
}

// PutElection registers or replaces an election snapshot.
func (d *MemoryDirectory) PutElection(election *Election) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elections[election.ID] = election
}

// SetElectionStatus updates an election's lifecycle status.
func (d *MemoryDirectory) SetElectionStatus(electionID string, status ElectionStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	election, ok := d.elections[electionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrElectionNotFound, electionID)
	}
	election.Status = status
	return nil
}

// PutVoter registers a voter eligibility record for an election.
func (d *MemoryDirectory) PutVoter(electionID string, voter *Voter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.voters[electionID] == nil {
		d.voters[electionID] = make(map[string]*Voter)
	}
	d.voters[electionID][voter.ExternalIDHash] = voter
}
