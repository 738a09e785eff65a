package token

import (
	"context"
	"sync"
	"time"
)

// Revocation kinds persisted by a RevocationStore.
const (
	KindToken   = "token"
	KindSubject = "subject"
)

// Revocation is a persisted revocation entry. For KindToken, Key is the token
// id; for KindSubject, Key is the subject and Cutoff the issued-at bound.
type Revocation struct {
	Kind      string
	Key       string
	Cutoff    time.Time
	ExpiresAt time.Time
}

// RevocationStore persists revocations so they survive restarts and can be
// shared between nodes.
type RevocationStore interface {
	SaveRevocation(ctx context.Context, rev Revocation) error
	ActiveRevocations(ctx context.Context, now time.Time) ([]Revocation, error)
}

type subjectCutoff struct {
	cutoff    time.Time
	expiresAt time.Time
}

// RevocationList is a concurrency-safe set of revoked token ids and subject
// cutoffs. Every entry carries the time after which it is pointless to keep:
// once every token it could match has expired naturally, the entry is pruned
// on lookup or by Sweep.
type RevocationList struct {
	mu       sync.RWMutex
	tokens   map[string]time.Time
	subjects map[string]subjectCutoff
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		tokens:   make(map[string]time.Time),
		subjects: make(map[string]subjectCutoff),
	}
}

// Revoke marks tokenID revoked until expiresAt. Revoking an id twice keeps the
// later expiry.
func (l *RevocationList) Revoke(tokenID string, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.tokens[tokenID]; ok && cur.After(expiresAt) {
		return
	}
	l.tokens[tokenID] = expiresAt
}

// RevokeSubject revokes every token of subject issued at or before cutoff.
func (l *RevocationList) RevokeSubject(subject string, cutoff, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.subjects[subject]
	if ok && cur.cutoff.After(cutoff) {
		cutoff = cur.cutoff
	}
	if ok && cur.expiresAt.After(expiresAt) {
		expiresAt = cur.expiresAt
	}
	l.subjects[subject] = subjectCutoff{cutoff: cutoff, expiresAt: expiresAt}
}

// IsRevoked reports whether tokenID is revoked at now. An entry whose expiry
// has passed is removed and reported as not revoked.
func (l *RevocationList) IsRevoked(tokenID string, now time.Time) bool {
	l.mu.RLock()
	exp, ok := l.tokens[tokenID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if now.Before(exp) {
		return true
	}
	l.mu.Lock()
	if cur, still := l.tokens[tokenID]; still && !now.Before(cur) {
		delete(l.tokens, tokenID)
	}
	l.mu.Unlock()
	return false
}

// SubjectCutoff returns the issued-at bound for subject, pruning it if stale.
func (l *RevocationList) SubjectCutoff(subject string, now time.Time) (time.Time, bool) {
	l.mu.RLock()
	entry, ok := l.subjects[subject]
	l.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if now.Before(entry.expiresAt) {
		return entry.cutoff, true
	}
	l.mu.Lock()
	if cur, still := l.subjects[subject]; still && !now.Before(cur.expiresAt) {
		delete(l.subjects, subject)
	}
	l.mu.Unlock()
	return time.Time{}, false
}

// Sweep removes all stale entries and returns how many were dropped.
func (l *RevocationList) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, exp := range l.tokens {
		if !now.Before(exp) {
			delete(l.tokens, id)
			removed++
		}
	}
	for subject, entry := range l.subjects {
		if !now.Before(entry.expiresAt) {
			delete(l.subjects, subject)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held.
func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tokens) + len(l.subjects)
}
