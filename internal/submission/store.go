package submission

import (
	"crypto/ecdsa"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Sign builds the submission r describes and stores the signature on r.
func (r *Request) Sign(key *ecdsa.PrivateKey) error {
	sub, err := r.Build()
	if err != nil {
		return err
	}
	if err := sub.Sign(key); err != nil {
		return err
	}
	r.Signature = sub.Signature
	return nil
}

// Store is the per-epoch, append-only submission log.
type Store struct {
	byEpoch map[uint64][]Submission
	digests map[common.Hash]struct{}
	nextSeq uint64
}

// NewStore returns an empty log.
func NewStore() *Store {
	return &Store{
		byEpoch: make(map[uint64][]Submission),
		digests: make(map[common.Hash]struct{}),
		nextSeq: 1,
	}
}

// Append stores a verified submission and assigns its sequence number.
func (s *Store) Append(sub Submission) (Submission, error) {
	digest := sub.Digest()
	if _, dup := s.digests[digest]; dup {
		return Submission{}, ErrDuplicate
	}
	sub.Seq = s.nextSeq
	sub.Valid = true
	s.nextSeq++
	s.digests[digest] = struct{}{}
	s.byEpoch[sub.Epoch] = append(s.byEpoch[sub.Epoch], sub)
	return sub, nil
}

// Restore re-inserts a persisted submission keeping its sequence number.
func (s *Store) Restore(sub Submission) {
	s.digests[sub.Digest()] = struct{}{}
	s.byEpoch[sub.Epoch] = append(s.byEpoch[sub.Epoch], sub)
	if sub.Seq >= s.nextSeq {
		s.nextSeq = sub.Seq + 1
	}
}

// Epoch returns every submission logged for epoch, in sequence order.
func (s *Store) Epoch(epoch uint64) []Submission {
	subs := append([]Submission(nil), s.byEpoch[epoch]...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].Seq < subs[j].Seq })
	return subs
}

// Fresh returns the epoch's submissions whose timestamp lies within [now-window, now].
func (s *Store) Fresh(epoch uint64, now time.Time, window time.Duration) []Submission {
	all := s.Epoch(epoch)
	fresh := all[:0]
	for _, sub := range all {
		if IsFresh(sub.Timestamp, now, window) {
			fresh = append(fresh, sub)
		}
	}
	return fresh
}

// IsFresh reports whether ts is not in the future and no older than window at now.
func IsFresh(ts, now time.Time, window time.Duration) bool {
	if ts.After(now) {
		return false
	}
	return now.Sub(ts) <= window
}

// Prune drops epochs older than keepFrom from memory; the journal keeps the history.
func (s *Store) Prune(keepFrom uint64) int {
	dropped := 0
	for epoch, subs := range s.byEpoch {
		if epoch >= keepFrom {
			continue
		}
		for _, sub := range subs {
			delete(s.digests, sub.Digest())
		}
		dropped += len(subs)
		delete(s.byEpoch, epoch)
	}
	return dropped
}
