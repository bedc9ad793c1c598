// Package signing implements the MuSig2 ceremony state machine: a signing
// session is driven from proposal through nonce exchange and partial-signature
// exchange to an aggregated signature and broadcast, purely by message receipt.
// Each participant runs its own coordinator; there is no leader.
package signing

import (
	"errors"
	"sync"
	"time"

	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
)

// Session errors
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionTerminal    = errors.New("session is in a terminal state")
	ErrSessionExpired     = errors.New("session expired")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrUnknownParticipant = errors.New("sender is not a wallet participant")
	ErrWrongRound         = errors.New("message does not match the session round")
	ErrDigestMismatch     = errors.New("transaction digest mismatch")
	ErrInvalidFinalSig    = errors.New("final signature does not verify against the session digest")
)

// State is a signing session lifecycle state.
type State string

// Session states. Terminal states are immutable once entered.
const (
	StateProposed         State = "proposed"
	StateAwaitingNonces   State = "awaiting_nonces"
	StateAwaitingPartials State = "awaiting_partial_signatures"
	StateAggregating      State = "aggregating"
	StateCompleted        State = "completed"
	StateRejected         State = "rejected"
	StateExpired          State = "expired"
	StateAborted          State = "aborted"
)

// legalTransitions enumerates every permitted state change. Anything not
// listed here is rejected, which keeps terminal states immutable.
var legalTransitions = map[State][]State{
	StateProposed:         {StateAwaitingNonces, StateAwaitingPartials, StateRejected, StateExpired, StateAborted},
	StateAwaitingNonces:   {StateAwaitingPartials, StateRejected, StateExpired, StateAborted},
	StateAwaitingPartials: {StateAggregating, StateRejected, StateExpired, StateAborted},
	StateAggregating:      {StateCompleted, StateExpired, StateAborted},
	StateCompleted:        {},
	StateRejected:         {},
	StateExpired:          {},
	StateAborted:          {},
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateExpired, StateAborted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress tracks what one participant has contributed to a session.
type Progress struct {
	PubNonce   []byte
	PartialSig []byte
	Decision   string
}

// HasNonce reports whether the participant has supplied its public nonce.
func (p *Progress) HasNonce() bool {
	return p != nil && len(p.PubNonce) > 0
}

// HasPartialSig reports whether the participant has supplied its partial
// signature.
func (p *Progress) HasPartialSig() bool {
	return p != nil && len(p.PartialSig) > 0
}

// Responded reports whether the participant has sent anything at all.
func (p *Progress) Responded() bool {
	return p != nil && (len(p.PubNonce) > 0 || len(p.PartialSig) > 0 || p.Decision != "")
}

// Session is the in-memory view of one signing attempt. The persisted
// SessionRecord is the durable source of truth; Signer and Progress carry the
// runtime ceremony state on top of it.
type Session struct {
	mu sync.Mutex

	Record *storage.SessionRecord
	Wallet *wallet.SharedWallet

	// Runtime MuSig2 state. Nil until this node joins the ceremony, and
	// deliberately not persisted: secret nonces must never touch disk.
	Signer *Signer

	// Participant pubkey (hex) -> contributions. Always covers exactly the
	// wallet's participant set.
	Progress map[string]*Progress

	// True if this node created the session via ProposeSpend.
	Initiator bool
}

// newSession builds a runtime session around a record and its wallet.
func newSession(record *storage.SessionRecord, w *wallet.SharedWallet, initiator bool) *Session {
	progress := make(map[string]*Progress, len(w.Participants))
	for _, p := range w.Participants {
		progress[p.PubKey] = &Progress{}
	}
	return &Session{
		Record:    record,
		Wallet:    w,
		Progress:  progress,
		Initiator: initiator,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.Record.State)
}

// transition moves the session to the next state, enforcing legality.
func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := State(s.Record.State)
	if cur == next {
		return nil
	}
	if !cur.CanTransition(next) {
		return ErrIllegalTransition
	}
	s.Record.State = string(next)
	s.Record.UpdatedAt = time.Now()
	if next.IsTerminal() && s.Record.CompletedAt.IsZero() {
		// Termination time gates retention GC, so every terminal state
		// carries one, not just completed
		s.Record.CompletedAt = s.Record.UpdatedAt
	}
	return nil
}

// IsExpired reports whether the session deadline has passed.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Record.ExpiresAt.IsZero() && !now.Before(s.Record.ExpiresAt)
}

// isParticipant reports whether a pubkey belongs to the wallet's set.
func (s *Session) isParticipant(pubkeyHex string) bool {
	_, ok := s.Progress[pubkeyHex]
	return ok
}

// allNonces reports whether every participant has supplied a nonce.
func (s *Session) allNonces() bool {
	for _, p := range s.Progress {
		if !p.HasNonce() {
			return false
		}
	}
	return true
}

// allPartialSigs reports whether every participant has supplied a partial
// signature.
func (s *Session) allPartialSigs() bool {
	for _, p := range s.Progress {
		if !p.HasPartialSig() {
			return false
		}
	}
	return true
}
