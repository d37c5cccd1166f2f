package core

import (
	"bytes"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// accountLocks hands out per-identity mutexes. Callers acquire every account
// an operation touches in canonical byte order, so two operations with
// overlapping account sets can never deadlock.
type accountLocks struct {
	mu      sync.Mutex
	entries map[solana.PublicKey]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{entries: make(map[solana.PublicKey]*lockEntry)}
}

func canonicalAccounts(accounts []solana.PublicKey) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(accounts))
	out := make([]solana.PublicKey, 0, len(accounts))
	for _, acct := range accounts {
		if acct.IsZero() {
			continue
		}
		if _, dup := seen[acct]; dup {
			continue
		}
		seen[acct] = struct{}{}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Lock acquires every account and returns the function that releases them.
func (l *accountLocks) Lock(accounts []solana.PublicKey) func() {
	ordered := canonicalAccounts(accounts)
	held := make([]*lockEntry, 0, len(ordered))
	for _, acct := range ordered {
		l.mu.Lock()
		entry, ok := l.entries[acct]
		if !ok {
			entry = &lockEntry{}
			l.entries[acct] = entry
		}
		entry.refs++
		l.mu.Unlock()
		entry.mu.Lock()
		held = append(held, entry)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.entries, ordered[i])
			}
			l.mu.Unlock()
		}
	}
}
