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
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// txnState is the per-TxnIndex state machine.
type txnState uint8

const (
	stateReadyToExecute txnState = iota
	stateExecuting
	stateSuspended // parked on a dependency; wakes when the blocker executes
	stateExecuted
	stateAborting
	stateCommitted
)

// TaskKind discriminates what the scheduler handed out for next_task().
type TaskKind uint8

const (
	TaskNone TaskKind = iota
	TaskExecute
	TaskValidate
	TaskDone
)

// Task is what next_task() returns to a worker. Wave stamps a validation
// task with the scheduler's wave counter at issuance; a validation verdict
// is only accepted if no earlier txn finished an execution after that stamp.
type Task struct {
	Kind        TaskKind
	Index       TxnIndex
	Incarnation Incarnation
	Wave        uint64
}

// txnSlot is the scheduler's per-TxnIndex bookkeeping. CapturedReads and
// TxnOutput are owned by the slot and replaced wholesale on re-incarnation,
// never mutated in place while a dependent might still observe them, so an
// abandoned incarnation can never leak a zombie read set.
type txnSlot struct {
	state        txnState
	incarnation  Incarnation
	wroteKeys    []StateKey
	output       TxnOutput
	validated    bool   // has the current incarnation passed validation
	requiredWave uint64 // wave a validation must have been issued at to count
	parked       []TxnIndex
}

// Scheduler drives the per-transaction state machine: it hands out Execute
// and Validate tasks, tracks the execution and commit watermarks, and resolves
// dependency parking. The pending-validation set carries the role of the
// validation watermark: whenever an execution finishes, every executed txn
// above it re-enters the set. All transitions are serialized behind a
// single mutex, which is sufficient at the concurrency levels this engine
// targets (one goroutine per logical CPU, never contending on a hot path
// inside the VM call itself).
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	n            int
	slots        []txnSlot
	executionIdx TxnIndex
	commitIdx    TxnIndex
	halted       bool
	fatalErr     error
	truncatedAt  TxnIndex // set when the block is cut short; -1 if none

	// wave increments every time any execution finishes. A validation that
	// was issued before the writes of an earlier txn changed carries a stale
	// wave and its verdict is discarded, so a pass that raced a re-execution
	// can never commit a stale read set.
	wave uint64

	// pendingValidate holds indices whose current incarnation is Executed but
	// not yet known-valid; cleared on abort, refilled on finished executions.
	pendingValidate *roaring.Bitmap

	// admitGas, if set, gates commit advancement on the block-gas limiter:
	// called with the committing txn's gas; a false admitted return
	// truncates the block at that index instead of committing it.
	admitGas func(gas uint64) (admitted, truncate bool)
}

// SetGasAdmitter installs the block-gas limiter's admission check.
func (s *Scheduler) SetGasAdmitter(admit func(gas uint64) (admitted, truncate bool)) {
	s.mu.Lock()
	s.admitGas = admit
	s.mu.Unlock()
}

// NewScheduler builds a scheduler for a block of n transactions.
func NewScheduler(n int) *Scheduler {
	s := &Scheduler{
		n:               n,
		slots:           make([]txnSlot, n),
		truncatedAt:     TxnIndex(-1),
		pendingValidate: roaring.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Halt sets the global halt flag; subsequent NextTask calls return Done.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// SetFatal halts the scheduler and records a fatal, non-recoverable error:
// no partial outputs may be emitted once this is set.
func (s *Scheduler) SetFatal(err error) {
	s.mu.Lock()
	s.halted = true
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// FatalErr returns the recorded fatal error, if any.
func (s *Scheduler) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// TruncateAt marks txn index and everything after it as out-of-block.
func (s *Scheduler) TruncateAt(idx TxnIndex) {
	s.mu.Lock()
	s.truncatedAt = idx
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Scheduler) effectiveN() int {
	if s.truncatedAt >= 0 {
		return int(s.truncatedAt)
	}
	return s.n
}

// NextTask implements next_task(): validation tasks take priority
// over execution tasks so that a correct commit watermark is never delayed
// behind fresh speculative work. When no work is available but the block is
// not done, the calling worker blocks until another worker's transition
// frees some up; this is the only suspension point in a worker.
func (s *Scheduler) NextTask() Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.halted {
			return Task{Kind: TaskDone}
		}
		if int(s.commitIdx) >= s.effectiveN() {
			return Task{Kind: TaskDone}
		}

		if t, ok := s.nextValidationLocked(); ok {
			return t
		}
		if t, ok := s.nextExecutionLocked(); ok {
			return t
		}

		s.cond.Wait()
	}
}

func (s *Scheduler) nextValidationLocked() (Task, bool) {
	it := s.pendingValidate.Iterator()
	for it.HasNext() {
		idx := TxnIndex(it.Next())
		if int(idx) >= s.effectiveN() {
			continue
		}
		slot := &s.slots[idx]
		if slot.state == stateExecuted && !slot.validated {
			return Task{Kind: TaskValidate, Index: idx, Incarnation: slot.incarnation, Wave: s.wave}, true
		}
	}
	return Task{}, false
}

func (s *Scheduler) nextExecutionLocked() (Task, bool) {
	for i := 0; i <= int(s.executionIdx) && i < s.effectiveN(); i++ {
		slot := &s.slots[i]
		if slot.state == stateReadyToExecute {
			slot.state = stateExecuting
			if TxnIndex(i) == s.executionIdx && s.executionIdx < TxnIndex(s.effectiveN()-1) {
				s.executionIdx++
			}
			return Task{Kind: TaskExecute, Index: TxnIndex(i), Incarnation: slot.incarnation}, true
		}
		if TxnIndex(i) == s.executionIdx && s.executionIdx < TxnIndex(s.effectiveN()-1) {
			s.executionIdx++
		}
	}
	return Task{}, false
}

// FinishExecution implements finish_execution(i, k, wroteKeys): the
// slot transitions to Executed, writes the prior incarnation abandoned are
// removed from the store, and every executed txn above i is sent back for
// validation against the new writes.
func (s *Scheduler) FinishExecution(mv *MVHashMap, i TxnIndex, k Incarnation, output TxnOutput) {
	s.mu.Lock()
	slot := &s.slots[i]
	if slot.incarnation != k {
		s.mu.Unlock()
		return // stale result from an abandoned incarnation, discard
	}

	prevWritten := slot.wroteKeys
	slot.state = stateExecuted
	slot.output = output
	slot.validated = false
	slot.wroteKeys = writeKeysOf(output)
	var dropped []StateKey
	if k > 0 {
		dropped = diffKeys(prevWritten, slot.wroteKeys)
	}
	s.mu.Unlock()

	mv.Remove(i, dropped)

	s.mu.Lock()
	s.wave++
	slot.requiredWave = s.wave
	s.pendingValidate.Add(uint32(i))
	for j := int(i) + 1; j < s.n; j++ {
		js := &s.slots[j]
		if js.state == stateExecuted {
			js.validated = false
			js.requiredWave = s.wave
			s.pendingValidate.Add(uint32(j))
		}
	}
	woken := slot.parked
	slot.parked = nil
	s.mu.Unlock()

	for _, j := range woken {
		s.requeue(j)
	}
	s.cond.Broadcast()
}

// FinishValidation implements finish_validation(i, k, ok). wave is
// the stamp the validation task carried; a verdict from before the latest
// execution finished is discarded and the slot stays pending.
func (s *Scheduler) FinishValidation(mv *MVHashMap, i TxnIndex, k Incarnation, wave uint64, ok bool) {
	s.mu.Lock()
	slot := &s.slots[i]
	if slot.incarnation != k || slot.state != stateExecuted {
		s.mu.Unlock()
		return
	}
	if wave < slot.requiredWave {
		s.mu.Unlock()
		return
	}

	if ok {
		slot.validated = true
		s.pendingValidate.Remove(uint32(i))
		s.advanceCommitLocked()
		s.mu.Unlock()
		s.cond.Broadcast()
		return
	}

	slot.state = stateAborting
	slot.incarnation = k + 1
	wrote := slot.wroteKeys
	s.pendingValidate.Remove(uint32(i))
	if s.executionIdx > i {
		s.executionIdx = i
	}
	s.mu.Unlock()

	mv.MarkEstimate(i, wrote)

	s.mu.Lock()
	slot.state = stateReadyToExecute
	s.mu.Unlock()
	s.cond.Broadcast()
}

// advanceCommitLocked must be called with s.mu held.
func (s *Scheduler) advanceCommitLocked() {
	for int(s.commitIdx) < s.effectiveN() {
		slot := &s.slots[s.commitIdx]
		if slot.state != stateExecuted || !slot.validated {
			break
		}
		if s.admitGas != nil {
			admitted, truncate := s.admitGas(slot.output.Gas)
			if truncate {
				s.truncatedAt = s.commitIdx
				break
			}
			if !admitted {
				break
			}
		}
		slot.state = stateCommitted
		s.commitIdx++
		if slot.output.Status.Kind == StatusSkipRest {
			s.truncatedAt = s.commitIdx
			break
		}
	}
}

// AddDependency implements add_dependency(blocked, blocker): if the
// blocker has not yet reached Executed, the blocked worker's in-progress
// incarnation is abandoned and it parks until the blocker's next Executed
// transition. Returns true if the caller actually parked (and must not
// report a normal execution result for this incarnation).
func (s *Scheduler) AddDependency(blocked, blocker TxnIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := &s.slots[blocker]
	if bs.state == stateCommitted || bs.state == stateExecuted {
		return false
	}

	blockedSlot := &s.slots[blocked]
	blockedSlot.state = stateSuspended
	blockedSlot.incarnation++
	bs.parked = append(bs.parked, blocked)
	return true
}

func (s *Scheduler) requeue(j TxnIndex) {
	s.mu.Lock()
	if s.slots[j].state == stateSuspended {
		s.slots[j].state = stateReadyToExecute
	}
	if s.executionIdx > j {
		s.executionIdx = j
	}
	s.mu.Unlock()
}

// CommitIndex returns the current commit watermark (exported for the
// finalizer and gas limiter).
func (s *Scheduler) CommitIndex() TxnIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitIdx
}

// Slot returns a snapshot copy of the bookkeeping for idx, used by the
// finalizer once the scheduler has reported Done.
func (s *Scheduler) Slot(idx TxnIndex) (TxnOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[idx]
	return slot.output, slot.state == stateCommitted
}

func writeKeysOf(out TxnOutput) []StateKey {
	keys := make([]StateKey, 0, len(out.Writes))
	for k := range out.Writes {
		keys = append(keys, k)
	}
	return keys
}

func diffKeys(prev, cur []StateKey) []StateKey {
	curSet := make(map[StateKey]struct{}, len(cur))
	for _, k := range cur {
		curSet[k] = struct{}{}
	}
	var dropped []StateKey
	for _, k := range prev {
		if _, ok := curSet[k]; !ok {
			dropped = append(dropped, k)
		}
	}
	return dropped
}
