package storage

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "kosign-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testSession(id string) *SessionRecord {
	return &SessionRecord{
		SessionID:       id,
		WalletID:        "wallet-1",
		Chain:           "BTC",
		InitiatorPubKey: "02aabb",
		Recipient:       "bc1qtest",
		Amount:          50000,
		FeeRate:         12,
		State:           "proposed",
		ExpiresAt:       time.Now().Add(30 * time.Minute),
	}
}

func TestSessionCRUD(t *testing.T) {
	store := newTestStorage(t)

	sess := testSession("sess-1")
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.WalletID != "wallet-1" || got.State != "proposed" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Amount != 50000 || got.Recipient != "bc1qtest" {
		t.Errorf("spend details not persisted: %+v", got)
	}

	// Update state via upsert
	sess.State = "awaiting_nonces"
	sess.SigDigest = "deadbeef"
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession() update error = %v", err)
	}

	got, err = store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() after update error = %v", err)
	}
	if got.State != "awaiting_nonces" || got.SigDigest != "deadbeef" {
		t.Errorf("update not persisted: %+v", got)
	}

	// Unknown session
	_, err = store.GetSession("nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetPendingSessions(t *testing.T) {
	store := newTestStorage(t)

	pending := testSession("sess-pending")
	if err := store.SaveSession(pending); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	done := testSession("sess-done")
	done.State = "completed"
	done.CompletedAt = time.Now()
	if err := store.SaveSession(done); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	sessions, err := store.GetPendingSessions()
	if err != nil {
		t.Fatalf("GetPendingSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-pending" {
		t.Errorf("expected only pending session, got %d", len(sessions))
	}

	p, terminal, err := store.SessionCount()
	if err != nil {
		t.Fatalf("SessionCount() error = %v", err)
	}
	if p != 1 || terminal != 1 {
		t.Errorf("SessionCount() = (%d, %d), want (1, 1)", p, terminal)
	}
}

func TestGetExpiredSessions(t *testing.T) {
	store := newTestStorage(t)

	expired := testSession("sess-expired")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveSession(expired); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	alive := testSession("sess-alive")
	if err := store.SaveSession(alive); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	sessions, err := store.GetExpiredSessions(time.Now())
	if err != nil {
		t.Fatalf("GetExpiredSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-expired" {
		t.Errorf("expected only expired session, got %d", len(sessions))
	}
}

func TestSessionWarning(t *testing.T) {
	store := newTestStorage(t)

	soon := testSession("sess-soon")
	soon.ExpiresAt = time.Now().Add(30 * time.Second)
	if err := store.SaveSession(soon); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	far := testSession("sess-far")
	far.ExpiresAt = time.Now().Add(20 * time.Minute)
	if err := store.SaveSession(far); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	sessions, err := store.GetSessionsNearingExpiry(time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("GetSessionsNearingExpiry() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-soon" {
		t.Fatalf("expected only sess-soon, got %d", len(sessions))
	}

	if err := store.MarkSessionWarned("sess-soon", time.Now()); err != nil {
		t.Fatalf("MarkSessionWarned() error = %v", err)
	}

	// Warning is one-shot
	sessions, err = store.GetSessionsNearingExpiry(time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("GetSessionsNearingExpiry() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("warned session should not reappear, got %d", len(sessions))
	}

	if err := store.MarkSessionWarned("sess-soon", time.Now()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second warning should report not found, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store := newTestStorage(t)

	a := testSession("sess-a")
	if err := store.SaveSession(a); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	b := testSession("sess-b")
	b.WalletID = "wallet-2"
	b.State = "rejected"
	b.CompletedAt = time.Now()
	if err := store.SaveSession(b); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	all, err := store.ListSessions("", 0, true)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListSessions(all) = %d, want 2", len(all))
	}

	w2, err := store.ListSessions("wallet-2", 0, true)
	if err != nil {
		t.Fatalf("ListSessions(wallet-2) error = %v", err)
	}
	if len(w2) != 1 || w2[0].SessionID != "sess-b" {
		t.Errorf("wallet filter failed: %d results", len(w2))
	}

	active, err := store.ListSessions("", 0, false)
	if err != nil {
		t.Fatalf("ListSessions(active) error = %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "sess-a" {
		t.Errorf("terminal filter failed: %d results", len(active))
	}
}

func TestDeleteSessionsBefore(t *testing.T) {
	store := newTestStorage(t)

	old := testSession("sess-old")
	old.State = "completed"
	old.CompletedAt = time.Now().Add(-10 * 24 * time.Hour)
	if err := store.SaveSession(old); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.SaveNonce("sess-old", "02aabb", "0011"); err != nil {
		t.Fatalf("SaveNonce() error = %v", err)
	}

	fresh := testSession("sess-fresh")
	fresh.State = "completed"
	fresh.CompletedAt = time.Now()
	if err := store.SaveSession(fresh); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	removed, err := store.DeleteSessionsBefore(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsBefore() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := store.GetSession("sess-old"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old session should be gone, got %v", err)
	}
	if _, err := store.GetSession("sess-fresh"); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}

	progress, err := store.GetProgress("sess-old")
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}
	if len(progress) != 0 {
		t.Errorf("progress rows should be gone with the session, got %d", len(progress))
	}
}

func TestSessionProgressFirstWriteWins(t *testing.T) {
	store := newTestStorage(t)

	sess := testSession("sess-1")
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	if err := store.SaveNonce("sess-1", "02aabb", "nonce-1"); err != nil {
		t.Fatalf("SaveNonce() error = %v", err)
	}
	// Redelivered nonce with different content must not overwrite
	if err := store.SaveNonce("sess-1", "02aabb", "nonce-2"); err != nil {
		t.Fatalf("SaveNonce() redelivery error = %v", err)
	}

	if err := store.SavePartialSig("sess-1", "02aabb", "sig-1"); err != nil {
		t.Fatalf("SavePartialSig() error = %v", err)
	}
	if err := store.SaveDecision("sess-1", "02ccdd", "accept"); err != nil {
		t.Fatalf("SaveDecision() error = %v", err)
	}

	progress, err := store.GetProgress("sess-1")
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}
	if len(progress) != 2 {
		t.Fatalf("got %d progress rows, want 2", len(progress))
	}

	// Rows ordered by pubkey
	first := progress[0]
	if first.PubKey != "02aabb" {
		t.Fatalf("unexpected ordering: %s", first.PubKey)
	}
	if first.PubNonce != "nonce-1" {
		t.Errorf("nonce = %s, want first delivery to win", first.PubNonce)
	}
	if first.PartialSig != "sig-1" {
		t.Errorf("partial sig = %s", first.PartialSig)
	}
	if progress[1].Decision != "accept" {
		t.Errorf("decision = %s", progress[1].Decision)
	}
}
