package signing

import (
	"testing"
	"time"

	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
)

func newTestWallet(pubkeys ...string) *wallet.SharedWallet {
	participants := make([]*storage.ParticipantRecord, len(pubkeys))
	for i, pk := range pubkeys {
		participants[i] = &storage.ParticipantRecord{
			WalletID: "wallet-1",
			PubKey:   pk,
			Position: i,
		}
	}
	return &wallet.SharedWallet{
		WalletRecord: &storage.WalletRecord{
			ID:    "wallet-1",
			Chain: "BTC",
		},
		Participants: participants,
	}
}

func newTestSessionRecord(state State) *storage.SessionRecord {
	now := time.Now()
	return &storage.SessionRecord{
		SessionID: "session-1",
		WalletID:  "wallet-1",
		Chain:     "BTC",
		State:     string(state),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"proposed to awaiting_nonces", StateProposed, StateAwaitingNonces, true},
		{"proposed to awaiting_partials", StateProposed, StateAwaitingPartials, true},
		{"proposed to rejected", StateProposed, StateRejected, true},
		{"proposed to aggregating", StateProposed, StateAggregating, false},
		{"proposed to completed", StateProposed, StateCompleted, false},
		{"awaiting_nonces to awaiting_partials", StateAwaitingNonces, StateAwaitingPartials, true},
		{"awaiting_nonces to aggregating", StateAwaitingNonces, StateAggregating, false},
		{"awaiting_nonces to expired", StateAwaitingNonces, StateExpired, true},
		{"awaiting_partials to aggregating", StateAwaitingPartials, StateAggregating, true},
		{"awaiting_partials to completed", StateAwaitingPartials, StateCompleted, false},
		{"awaiting_partials to rejected", StateAwaitingPartials, StateRejected, true},
		{"aggregating to completed", StateAggregating, StateCompleted, true},
		{"aggregating to aborted", StateAggregating, StateAborted, true},
		{"aggregating to rejected", StateAggregating, StateRejected, false},
		{"aggregating back to awaiting_nonces", StateAggregating, StateAwaitingNonces, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTerminalStatesImmutable(t *testing.T) {
	terminals := []State{StateCompleted, StateRejected, StateExpired, StateAborted}
	all := []State{
		StateProposed, StateAwaitingNonces, StateAwaitingPartials,
		StateAggregating, StateCompleted, StateRejected, StateExpired, StateAborted,
	}

	for _, term := range terminals {
		if !term.IsTerminal() {
			t.Errorf("%s should be terminal", term)
		}
		for _, next := range all {
			if term == next {
				continue
			}
			if term.CanTransition(next) {
				t.Errorf("terminal state %s must not transition to %s", term, next)
			}
		}
	}

	for _, s := range []State{StateProposed, StateAwaitingNonces, StateAwaitingPartials, StateAggregating} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSessionTransition(t *testing.T) {
	w := newTestWallet("aa", "bb")
	sess := newSession(newTestSessionRecord(StateProposed), w, true)

	if err := sess.transition(StateAwaitingNonces); err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}
	if sess.State() != StateAwaitingNonces {
		t.Errorf("state = %s, want %s", sess.State(), StateAwaitingNonces)
	}

	// Same-state transitions are no-ops
	if err := sess.transition(StateAwaitingNonces); err != nil {
		t.Errorf("same-state transition should be a no-op, got %v", err)
	}

	// Skipping ahead to completed is illegal from here
	if err := sess.transition(StateCompleted); err != ErrIllegalTransition {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if sess.State() != StateAwaitingNonces {
		t.Errorf("failed transition must not change state, got %s", sess.State())
	}

	if err := sess.transition(StateRejected); err != nil {
		t.Fatalf("transition to rejected failed: %v", err)
	}
	if err := sess.transition(StateAborted); err != ErrIllegalTransition {
		t.Errorf("terminal session accepted a transition: %v", err)
	}
}

func TestSessionProgress(t *testing.T) {
	w := newTestWallet("aa", "bb", "cc")
	sess := newSession(newTestSessionRecord(StateProposed), w, false)

	if len(sess.Progress) != 3 {
		t.Fatalf("progress entries = %d, want 3", len(sess.Progress))
	}
	if !sess.isParticipant("bb") {
		t.Error("bb should be a participant")
	}
	if sess.isParticipant("dd") {
		t.Error("dd should not be a participant")
	}

	if sess.allNonces() {
		t.Error("allNonces should be false with no contributions")
	}
	sess.Progress["aa"].PubNonce = []byte{1}
	sess.Progress["bb"].PubNonce = []byte{2}
	if sess.allNonces() {
		t.Error("allNonces should be false with one nonce missing")
	}
	sess.Progress["cc"].PubNonce = []byte{3}
	if !sess.allNonces() {
		t.Error("allNonces should be true with every nonce present")
	}

	if sess.allPartialSigs() {
		t.Error("allPartialSigs should be false with no signatures")
	}
	for _, p := range sess.Progress {
		p.PartialSig = []byte{9}
	}
	if !sess.allPartialSigs() {
		t.Error("allPartialSigs should be true with every signature present")
	}
}

func TestProgressHelpers(t *testing.T) {
	var nilProgress *Progress
	if nilProgress.HasNonce() || nilProgress.HasPartialSig() || nilProgress.Responded() {
		t.Error("nil progress should report nothing")
	}

	p := &Progress{}
	if p.Responded() {
		t.Error("empty progress should not count as responded")
	}
	p.Decision = DecisionReject
	if !p.Responded() {
		t.Error("a decision counts as a response")
	}
}

func TestSessionIsExpired(t *testing.T) {
	w := newTestWallet("aa", "bb")
	record := newTestSessionRecord(StateProposed)
	record.ExpiresAt = time.Now().Add(time.Minute)
	sess := newSession(record, w, true)

	if sess.IsExpired(time.Now()) {
		t.Error("session should not be expired before its deadline")
	}
	if !sess.IsExpired(record.ExpiresAt) {
		t.Error("session should be expired at its deadline")
	}
	if !sess.IsExpired(record.ExpiresAt.Add(time.Hour)) {
		t.Error("session should be expired after its deadline")
	}

	record.ExpiresAt = time.Time{}
	if sess.IsExpired(time.Now()) {
		t.Error("session without a deadline never expires")
	}
}
