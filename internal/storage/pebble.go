package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrClosed is returned by every PebbleJournal call after Close.
	ErrClosed = errors.New("storage: journal is closed")
)

var (
	prefixSubmission = []byte("sub/")
	prefixConsensus  = []byte("cons/")
	prefixSlash      = []byte("slash/")
	prefixOperation  = []byte("op/")
	prefixHolding    = []byte("hold/")
	prefixReporter   = []byte("rep/")
	prefixNAV        = []byte("nav/")
)

// PebbleJournal is an embedded Journal backed by a pebble key-value store. Keys embed big-endian
// epochs and timestamps so prefix iteration returns rows in log order.
type PebbleJournal struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

// NewPebbleJournal opens (or creates) a journal at path.
func NewPebbleJournal(path string) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(64 * 1024 * 1024),
		MemTableSize:                32 * 1024 * 1024,
		MemTableStopWritesThreshold: 4, // 4 * MemTableSize = 128 MiB total
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble journal: %w", err)
	}
	return &PebbleJournal{db: db}, nil
}

// Close flushes and closes the database. Calling it twice is harmless.
func (p *PebbleJournal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *PebbleJournal) AppendSubmission(_ context.Context, row SubmissionRow) error {
	return p.insert(joinKey(prefixSubmission, be64(row.Epoch), be64(row.Seq)), row)
}

func (p *PebbleJournal) ListSubmissions(_ context.Context, epoch uint64) ([]SubmissionRow, error) {
	out := make([]SubmissionRow, 0)
	err := p.scan(joinKey(prefixSubmission, be64(epoch)), false, 0, func(value []byte) error {
		var row SubmissionRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode submission: %w", err)
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// ListSubmissionEpochs skips from one epoch to the next instead of walking every submission.
func (p *PebbleJournal) ListSubmissionEpochs(_ context.Context) ([]uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixSubmission,
		UpperBound: prefixEnd(prefixSubmission),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	epochs := make([]uint64, 0)
	for valid := iter.First(); valid; {
		key := iter.Key()
		if len(key) < len(prefixSubmission)+8 {
			valid = iter.Next()
			continue
		}
		epoch := binary.BigEndian.Uint64(key[len(prefixSubmission):])
		epochs = append(epochs, epoch)
		if epoch == ^uint64(0) {
			break
		}
		valid = iter.SeekGE(joinKey(prefixSubmission, be64(epoch+1)))
	}
	return epochs, iter.Error()
}

func (p *PebbleJournal) AppendConsensus(_ context.Context, row ConsensusRow) error {
	return p.insert(joinKey(prefixConsensus, be64(row.Epoch), []byte(row.Asset)), row)
}

func (p *PebbleJournal) ListConsensus(_ context.Context, epoch uint64) ([]ConsensusRow, error) {
	out := make([]ConsensusRow, 0)
	err := p.scan(joinKey(prefixConsensus, be64(epoch)), false, 0, func(value []byte) error {
		var row ConsensusRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode consensus record: %w", err)
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func (p *PebbleJournal) AppendSlash(_ context.Context, row SlashRow) error {
	return p.insert(joinKey(prefixSlash, timeKey(row.At), row.ID[:]), row)
}

// ListSlashes returns the newest slash events first.
func (p *PebbleJournal) ListSlashes(_ context.Context, limit int) ([]SlashRow, error) {
	out := make([]SlashRow, 0)
	err := p.scan(prefixSlash, true, limit, func(value []byte) error {
		var row SlashRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode slash: %w", err)
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func (p *PebbleJournal) AppendOperation(_ context.Context, row OperationRow) error {
	return p.insert(joinKey(prefixOperation, timeKey(row.At), row.ID[:]), row)
}

func (p *PebbleJournal) UpsertHolding(_ context.Context, row HoldingRow) error {
	return p.put(joinKey(prefixHolding, []byte(row.Asset)), row)
}

func (p *PebbleJournal) ListHoldings(_ context.Context) ([]HoldingRow, error) {
	out := make([]HoldingRow, 0)
	err := p.scan(prefixHolding, false, 0, func(value []byte) error {
		var row HoldingRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode holding: %w", err)
		}
		if row.Quantity.Sign() > 0 {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func (p *PebbleJournal) UpsertReporter(_ context.Context, row ReporterRow) error {
	return p.put(joinKey(prefixReporter, []byte(row.Address)), row)
}

func (p *PebbleJournal) ListReporters(_ context.Context) ([]ReporterRow, error) {
	out := make([]ReporterRow, 0)
	err := p.scan(prefixReporter, false, 0, func(value []byte) error {
		var row ReporterRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode reporter: %w", err)
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// InsertNAVSample replaces any sample already stored for the same instant.
func (p *PebbleJournal) InsertNAVSample(_ context.Context, sample NAVSample) error {
	return p.put(joinKey(prefixNAV, timeKey(sample.At)), sample)
}

func (p *PebbleJournal) ListNAVSamplesBetween(_ context.Context, from, to time.Time) ([]NAVSample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: joinKey(prefixNAV, timeKey(from)),
		UpperBound: joinKey(prefixNAV, timeKey(to)),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	samples := make([]NAVSample, 0)
	for valid := iter.First(); valid; valid = iter.Next() {
		var sample NAVSample
		if err := json.Unmarshal(iter.Value(), &sample); err != nil {
			return nil, fmt.Errorf("decode nav sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, iter.Error()
}

// ListRecentNAVSamples returns up to limit samples, newest first.
func (p *PebbleJournal) ListRecentNAVSamples(_ context.Context, limit int) ([]NAVSample, error) {
	out := make([]NAVSample, 0, limit)
	err := p.scan(prefixNAV, true, limit, func(value []byte) error {
		var sample NAVSample
		if err := json.Unmarshal(value, &sample); err != nil {
			return fmt.Errorf("decode nav sample: %w", err)
		}
		out = append(out, sample)
		return nil
	})
	return out, err
}

// insert writes value under key unless the key already exists.
func (p *PebbleJournal) insert(key []byte, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	_, closer, err := p.db.Get(key)
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return p.write(key, value)
}

func (p *PebbleJournal) put(key []byte, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.write(key, value)
}

func (p *PebbleJournal) write(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Set(key, raw, pebble.Sync)
}

// scan visits every value under prefix, newest key first when reverse is set. limit <= 0 means all.
func (p *PebbleJournal) scan(prefix []byte, reverse bool, limit int, fn func(value []byte) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	first, next := iter.First, iter.Next
	if reverse {
		first, next = iter.Last, iter.Prev
	}
	seen := 0
	for valid := first(); valid; valid = next() {
		if limit > 0 && seen >= limit {
			break
		}
		if err := fn(iter.Value()); err != nil {
			return err
		}
		seen++
	}
	return iter.Error()
}

func joinKey(parts ...[]byte) []byte {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	key := make([]byte, 0, size)
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}

func be64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// timeKey orders instants after the epoch; earlier instants clamp to zero.
func timeKey(t time.Time) []byte {
	ns := t.UnixNano()
	if ns < 0 {
		ns = 0
	}
	return be64(uint64(ns))
}

// prefixEnd returns the smallest key greater than every key carrying prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
