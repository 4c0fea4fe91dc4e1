package ddosguard

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Challenge is a time-boxed CAPTCHA challenge owned by one client. At most
// one live challenge exists per client; issuing replaces any prior one.
type Challenge struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Solved    bool      `json:"solved"`
}

// Valid reports whether the challenge can still be solved.
func (c Challenge) Valid(now time.Time) bool {
	return now.Before(c.ExpiresAt) && !c.Solved
}

// Verify outcomes, reported as result reasons rather than errors: the caller
// decides the UX.
const (
	VerifySolved        = "solved"
	VerifyNoChallenge   = "no_active_challenge"
	VerifyInvalidID     = "invalid_challenge_id"
	VerifyExpired       = "challenge_expired"
	VerifyWrongSolution = "wrong_solution"
)

// VerifyResult carries the verification outcome plus the client's failed
// attempt count over the trailing hour, so the engine can escalate.
type VerifyResult struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	FailedAttempts int    `json:"failed_attempts"`
}

// SolutionValidator decides whether a submitted solution is correct. Real
// CAPTCHA solving is out of scope; this is a pluggable collaborator.
type SolutionValidator func(solution string) bool

const failedAttemptWindow = time.Hour

// ChallengeStore issues and validates time-boxed challenges per client.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	failures   map[string][]time.Time
	solvedAt   map[string]time.Time
	validate   SolutionValidator

	now func() time.Time
}

// NewChallengeStore creates a store with the given solution validator. A nil
// validator rejects everything.
func NewChallengeStore(validate SolutionValidator) *ChallengeStore {
	if validate == nil {
		validate = func(string) bool { return false }
	}
	return &ChallengeStore{
		challenges: make(map[string]*Challenge),
		failures:   make(map[string][]time.Time),
		solvedAt:   make(map[string]time.Time),
		validate:   validate,
		now:        time.Now,
	}
}

// Issue creates a fresh challenge for the client, replacing any prior one.
func (s *ChallengeStore) Issue(clientID string, ttl time.Duration) Challenge {
	now := s.now()
	challenge := Challenge{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.challenges[clientID] = &challenge
	s.mu.Unlock()

	return challenge
}

// Pending returns the client's live (unexpired, unsolved) challenge, if any.
func (s *ChallengeStore) Pending(clientID string) (Challenge, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[clientID]
	if !ok || !challenge.Valid(now) {
		return Challenge{}, false
	}
	return *challenge, true
}

// Verify checks a submitted solution against the client's challenge. Expired
// challenges are deleted on the spot. Failed attempts within the trailing
// hour are counted and reported so the caller can escalate to a block.
func (s *ChallengeStore) Verify(clientID, challengeID, solution string) VerifyResult {
	now := s.now()
	s.mu.Lock()
	challenge, ok := s.challenges[clientID]
	if !ok {
		s.mu.Unlock()
		return VerifyResult{Status: VerifyNoChallenge}
	}
	if challenge.ID != challengeID {
		s.mu.Unlock()
		return VerifyResult{Status: VerifyInvalidID}
	}
	if !challenge.Valid(now) {
		delete(s.challenges, clientID)
		s.mu.Unlock()
		return VerifyResult{Status: VerifyExpired}
	}
	s.mu.Unlock()

	// The solution predicate is an external collaborator and may be slow;
	// other clients' challenge lookups must not wait on it.
	solved := s.validate(solution)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.challenges[clientID]
	if !ok || current.ID != challengeID {
		// The challenge was replaced or cleared while the validator ran.
		return VerifyResult{Status: VerifyInvalidID}
	}

	if solved {
		current.Solved = true
		s.solvedAt[clientID] = now
		delete(s.failures, clientID)
		return VerifyResult{Success: true, Status: VerifySolved}
	}

	cutoff := now.Add(-failedAttemptWindow)
	recent := pruneBefore(s.failures[clientID], cutoff)
	recent = append(recent, now)
	s.failures[clientID] = recent

	return VerifyResult{Status: VerifyWrongSolution, FailedAttempts: len(recent)}
}

// LastSolved reports the client's most recent successful solve.
func (s *ChallengeStore) LastSolved(clientID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.solvedAt[clientID]
	return at, ok
}

// Clear drops the client's challenge and failure history, used when a block
// supersedes the challenge.
func (s *ChallengeStore) Clear(clientID string) {
	s.mu.Lock()
	delete(s.challenges, clientID)
	delete(s.failures, clientID)
	s.mu.Unlock()
}

// Cleanup drops expired or solved challenges and stale failure history.
// Solve records older than a day no longer matter to any cooldown.
func (s *ChallengeStore) Cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for clientID, challenge := range s.challenges {
		if !challenge.Valid(now) {
			delete(s.challenges, clientID)
		}
	}
	cutoff := now.Add(-failedAttemptWindow)
	for clientID, attempts := range s.failures {
		attempts = pruneBefore(attempts, cutoff)
		if len(attempts) == 0 {
			delete(s.failures, clientID)
			continue
		}
		s.failures[clientID] = attempts
	}
	solvedCutoff := now.Add(-24 * time.Hour)
	for clientID, at := range s.solvedAt {
		if at.Before(solvedCutoff) {
			delete(s.solvedAt, clientID)
		}
	}
}
