package creds

import (
	"errors"
	"fmt"
	"sort"

	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/security"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// ErrNoCandidates is returned when no credential's tags intersect the
// device's tags. Callers surface it as a no-credentials outcome, not a bug.
var ErrNoCandidates = errors.New("no credential candidates for device")

// Candidate is one credential offered by the resolver: the decrypted
// secret plus callbacks that persist the attempt outcome.
type Candidate struct {
	ID       string
	Username string
	Secret   []byte // decrypted; never log

	store      storage.Store
	sharedTags []string
}

// RecordSuccess advances the credential's success counters, including the
// per-tag pairing counters for every tag shared with the device.
func (c *Candidate) RecordSuccess() error {
	return c.store.RecordCredentialOutcome(c.ID, c.sharedTags, true)
}

// RecordFailure advances the failure counters. Callers must only record
// authentication failures here; network unreachability is a device-level
// failure and does not count against the credential.
func (c *Candidate) RecordFailure() error {
	return c.store.RecordCredentialOutcome(c.ID, c.sharedTags, false)
}

// Resolver produces ordered credential candidates for a device.
type Resolver struct {
	store   storage.Store
	secrets *security.SecretsManager
}

// NewResolver creates a resolver over the given store and key material.
func NewResolver(store storage.Store, secrets *security.SecretsManager) *Resolver {
	return &Resolver{store: store, secrets: secrets}
}

// ranked pairs a credential with the stats its ordering uses.
type ranked struct {
	cred       *types.Credential
	tagSuccess int // best per-(credential, tag) success count, -1 if none
	sharedTags []string
}

// Resolve returns a lazy iterator over credential candidates for the
// device, ordered by ascending priority, then descending per-tag (or
// global) success count, then ascending failure count, then ascending id.
// The ordering is a total order: identical inputs produce identical
// sequences. Secrets are decrypted one candidate at a time as the
// consumer advances.
func (r *Resolver) Resolve(device *types.Device) (*Iterator, error) {
	matched, err := r.store.ListCredentialsForDevice(device)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(matched) == 0 {
		return nil, ErrNoCandidates
	}

	rankedCreds := make([]ranked, 0, len(matched))
	for _, cred := range matched {
		shared := storage.SharedTags(cred.TagIDs, device.TagIDs)
		best := -1
		for _, tagID := range shared {
			stats, err := r.store.GetCredentialTagStats(cred.ID, tagID)
			if err != nil {
				continue
			}
			if stats.SuccessCount > best {
				best = stats.SuccessCount
			}
		}
		rankedCreds = append(rankedCreds, ranked{cred: cred, tagSuccess: best, sharedTags: shared})
	}

	sort.SliceStable(rankedCreds, func(i, j int) bool {
		a, b := rankedCreds[i], rankedCreds[j]
		if a.cred.Priority != b.cred.Priority {
			return a.cred.Priority < b.cred.Priority
		}
		// Per-tag success history when available, global otherwise.
		aSucc, bSucc := a.cred.SuccessCount, b.cred.SuccessCount
		if a.tagSuccess >= 0 {
			aSucc = a.tagSuccess
		}
		if b.tagSuccess >= 0 {
			bSucc = b.tagSuccess
		}
		if aSucc != bSucc {
			return aSucc > bSucc
		}
		if a.cred.FailureCount != b.cred.FailureCount {
			return a.cred.FailureCount < b.cred.FailureCount
		}
		return a.cred.ID < b.cred.ID
	})

	return &Iterator{
		resolver: r,
		ranked:   rankedCreds,
	}, nil
}

// Iterator yields one candidate at a time. A candidate whose secret fails
// to decrypt is logged and skipped; decryption failure is fatal for that
// candidate only.
type Iterator struct {
	resolver *Resolver
	ranked   []ranked
	pos      int
}

// Next returns the next candidate, or false when the sequence is
// exhausted.
func (it *Iterator) Next() (*Candidate, bool) {
	for it.pos < len(it.ranked) {
		entry := it.ranked[it.pos]
		it.pos++

		secret, err := it.resolver.secrets.Decrypt(entry.cred.Secret)
		if err != nil {
			log.WithComponent("creds").Error().
				Str("credential_id", entry.cred.ID).
				Err(err).
				Msg("failed to decrypt credential secret, skipping candidate")
			continue
		}

		return &Candidate{
			ID:         entry.cred.ID,
			Username:   entry.cred.Username,
			Secret:     secret,
			store:      it.resolver.store,
			sharedTags: entry.sharedTags,
		}, true
	}
	return nil, false
}

// Remaining reports how many candidates have not been yielded yet.
func (it *Iterator) Remaining() int {
	return len(it.ranked) - it.pos
}
