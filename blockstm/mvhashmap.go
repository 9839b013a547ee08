// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package blockstm

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

// ReadResultKind discriminates the four outcomes MVHashMap.Read can report.
type ReadResultKind uint8

const (
	ReadFromWriter ReadResultKind = iota
	ReadFromBase
	ReadIsDependency
	ReadResolvedDelta
)

// ReadResult is the outcome of MVHashMap.Read.
type ReadResult struct {
	Kind ReadResultKind

	// Valid when Kind == ReadFromWriter.
	Writer Version
	Entry  Entry

	// Valid when Kind == ReadIsDependency: the caller must suspend on this
	// writer's next incarnation.
	Blocker TxnIndex

	// Valid when Kind == ReadResolvedDelta.
	ResolvedValue  *uint256.Int
	SnapshotWriter ReadSource
}

// chainEntry is one slot in a per-key ordered chain, keyed by writer
// TxnIndex. At most one live (non-Estimate) entry exists per (key, TxnIndex);
// Incarnation is kept alongside purely to enforce the monotonic-write
// invariant in Write.
type chainEntry struct {
	Writer Version
	Entry  Entry
}

func chainEntryLess(a, b chainEntry) bool {
	return a.Writer.TxnIndex < b.Writer.TxnIndex
}

// keyChain is the per-StateKey ordered structure of entries.
type keyChain struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[chainEntry]
}

func newKeyChain() *keyChain {
	return &keyChain{tree: btree.NewG(32, chainEntryLess)}
}

// descendLessThan visits entries strictly less than pivot in descending
// order, stopping when iterator returns false. btree.BTreeG has no
// DescendLessThan, so this is built from DescendLessOrEqual, skipping the
// entry equal to pivot (if present) before handing entries to iterator.
func descendLessThan(tree *btree.BTreeG[chainEntry], pivot chainEntry, iterator func(item chainEntry) bool) {
	tree.DescendLessOrEqual(pivot, func(item chainEntry) bool {
		if !chainEntryLess(item, pivot) && !chainEntryLess(pivot, item) {
			return true
		}
		return iterator(item)
	})
}

// MVHashMap is the versioned data store: a concurrent mapping from
// StateKey to a per-key ordered structure of entries tagged with
// (TxnIndex, Incarnation). It is shared and interior-mutable; every
// operation is linearizable with respect to a single key's chain.
type MVHashMap struct {
	mu     sync.RWMutex
	chains map[StateKey]*keyChain
}

// NewMVHashMap constructs an empty versioned store.
func NewMVHashMap() *MVHashMap {
	return &MVHashMap{chains: make(map[StateKey]*keyChain)}
}

func (m *MVHashMap) chainFor(key StateKey) *keyChain {
	m.mu.RLock()
	c, ok := m.chains[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chains[key]; ok {
		return c
	}
	c = newKeyChain()
	m.chains[key] = c
	return c
}

func (m *MVHashMap) existingChain(key StateKey) (*keyChain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[key]
	return c, ok
}

// Write installs entry at (key, version.TxnIndex), replacing any prior entry
// at that index whose incarnation is lower. Equal-or-higher incarnation is a
// programming error and is reported as an internal invariant violation.
func (m *MVHashMap) Write(key StateKey, version Version, entry Entry) error {
	c := m.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.tree.Get(chainEntry{Writer: Version{TxnIndex: version.TxnIndex}}); ok {
		if existing.Writer.Incarnation >= version.Incarnation {
			return newInternalInvariantError(
				"write at %s is not newer than installed incarnation %d for key %q",
				version, existing.Writer.Incarnation, key)
		}
	}
	c.tree.ReplaceOrInsert(chainEntry{Writer: version, Entry: entry})
	return nil
}

// MarkEstimate replaces the writer's entries at the given keys with the
// Estimate marker; used when a prior incarnation is about to be re-executed
// and its replacement is not yet available.
func (m *MVHashMap) MarkEstimate(writer TxnIndex, keys []StateKey) {
	for _, key := range keys {
		c, ok := m.existingChain(key)
		if !ok {
			continue
		}
		c.mu.Lock()
		if existing, ok := c.tree.Get(chainEntry{Writer: Version{TxnIndex: writer}}); ok {
			c.tree.ReplaceOrInsert(chainEntry{Writer: existing.Writer, Entry: estimateEntry})
		}
		c.mu.Unlock()
	}
}

// Remove deletes the writer's entries at the given keys; used to discard
// writes a re-executed incarnation did not re-issue.
func (m *MVHashMap) Remove(writer TxnIndex, keys []StateKey) {
	for _, key := range keys {
		c, ok := m.existingChain(key)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.tree.Delete(chainEntry{Writer: Version{TxnIndex: writer}})
		c.mu.Unlock()
	}
}

// Read returns, for the largest writer index strictly less than atIndex:
// the writer's entry, a Dependency signal if that entry is Estimate, or a
// resolved delta value if the path encountered only deltas before a
// concrete value or the base view. It never returns a torn read: the
// per-key lock makes a single lookup atomic with respect to concurrent
// writers on the same key.
func (m *MVHashMap) Read(ctx context.Context, key StateKey, atIndex TxnIndex, base BaseView) (ReadResult, error) {
	c, ok := m.existingChain(key)
	if !ok {
		return m.readFromBase(ctx, key, base)
	}

	c.mu.RLock()
	pivot := chainEntry{Writer: Version{TxnIndex: atIndex}}
	var found chainEntry
	var hasFound bool
	descendLessThan(c.tree, pivot, func(item chainEntry) bool {
		found = item
		hasFound = true
		return false
	})
	if !hasFound {
		c.mu.RUnlock()
		return m.readFromBase(ctx, key, base)
	}

	if found.Entry.Kind == EntryEstimate {
		blocker := found.Writer.TxnIndex
		c.mu.RUnlock()
		return ReadResult{Kind: ReadIsDependency, Blocker: blocker}, nil
	}

	if found.Entry.Kind != EntryDelta {
		result := found
		c.mu.RUnlock()
		return ReadResult{Kind: ReadFromWriter, Writer: result.Writer, Entry: result.Entry}, nil
	}

	// Delta chain: collect consecutive delta entries walking further down,
	// newest first, stopping at the first non-delta entry (or exhaustion).
	var deltasNewestFirst []DeltaOp
	deltasNewestFirst = append(deltasNewestFirst, found.Entry.Delta)
	var terminal *chainEntry
	var blocker TxnIndex
	isDependency := false

	next := found.Writer.TxnIndex
	for {
		var item chainEntry
		var ok bool
		nextPivot := chainEntry{Writer: Version{TxnIndex: next}}
		descendLessThan(c.tree, nextPivot, func(it chainEntry) bool {
			item = it
			ok = true
			return false
		})
		if !ok {
			break
		}
		if item.Entry.Kind == EntryEstimate {
			isDependency = true
			blocker = item.Writer.TxnIndex
			break
		}
		if item.Entry.Kind != EntryDelta {
			terminal = &item
			break
		}
		deltasNewestFirst = append(deltasNewestFirst, item.Entry.Delta)
		next = item.Writer.TxnIndex
	}
	c.mu.RUnlock()

	if isDependency {
		return ReadResult{Kind: ReadIsDependency, Blocker: blocker}, nil
	}

	var terminalValue *uint256.Int
	var snapshotSource ReadSource
	if terminal != nil {
		terminalValue = valueAsUint256(terminal.Entry)
		snapshotSource = ReadSource{Writer: terminal.Writer}
	} else {
		baseValue, err := m.baseAsUint256(ctx, key, base)
		if err != nil {
			return ReadResult{}, err
		}
		terminalValue = baseValue
		snapshotSource = ReadSource{FromBase: true}
	}

	// Oldest-first order: reverse the newest-first collection.
	deltasOldestFirst := make([]DeltaOp, len(deltasNewestFirst))
	for i, d := range deltasNewestFirst {
		deltasOldestFirst[len(deltasNewestFirst)-1-i] = d
	}

	resolved, err := resolveDeltaChain(terminalValue, deltasOldestFirst)
	if err != nil {
		return ReadResult{}, &ErrDeltaApplicationFailure{Key: key}
	}
	return ReadResult{Kind: ReadResolvedDelta, ResolvedValue: resolved, SnapshotWriter: snapshotSource}, nil
}

func (m *MVHashMap) readFromBase(ctx context.Context, key StateKey, base BaseView) (ReadResult, error) {
	if base == nil {
		return ReadResult{Kind: ReadFromBase}, nil
	}
	if _, _, err := base.Get(ctx, key); err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Kind: ReadFromBase}, nil
}

func (m *MVHashMap) baseAsUint256(ctx context.Context, key StateKey, base BaseView) (*uint256.Int, error) {
	if base == nil {
		return new(uint256.Int), nil
	}
	v, ok, err := base.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return valueAsUint256(NewValueEntry(v, nil)), nil
}
