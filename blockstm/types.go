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

// Package blockstm implements a deterministic, optimistic, parallel executor
// for an ordered block of transactions against a versioned key-value state.
package blockstm

import (
	"fmt"

	"github.com/holiman/uint256"
)

// TxnIndex is a transaction's position in the input block.
type TxnIndex int

// Incarnation is the k-th attempt to execute a given TxnIndex.
type Incarnation int

// Version is the pair (TxnIndex, Incarnation) tagging every speculative write.
type Version struct {
	TxnIndex    TxnIndex
	Incarnation Incarnation
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%d)", v.TxnIndex, v.Incarnation)
}

// Less gives Version a total order by TxnIndex then Incarnation.
func (v Version) Less(other Version) bool {
	if v.TxnIndex != other.TxnIndex {
		return v.TxnIndex < other.TxnIndex
	}
	return v.Incarnation < other.Incarnation
}

// StateKey is opaque, comparable, and totally ordered: the engine has no
// opinion on what a key means.
type StateKey string

// EntryKind discriminates the four shapes a speculative write can take.
type EntryKind uint8

const (
	EntryValue EntryKind = iota
	EntryDeletion
	EntryDelta
	EntryEstimate
)

func (k EntryKind) String() string {
	switch k {
	case EntryValue:
		return "value"
	case EntryDeletion:
		return "deletion"
	case EntryDelta:
		return "delta"
	case EntryEstimate:
		return "estimate"
	default:
		return "unknown"
	}
}

// DeltaKind is the operator of a commutative numeric update.
type DeltaKind uint8

const (
	DeltaAdd DeltaKind = iota
	DeltaSub
)

// DeltaOp is a symbolic commutative update: +n or -n, bounded to [Lo, Hi].
// The bounds travel with every delta so that materialization can detect
// saturation without consulting external config.
type DeltaOp struct {
	Kind   DeltaKind
	Amount *uint256.Int
	Lo     *uint256.Int
	Hi     *uint256.Int
}

func (d DeltaOp) String() string {
	op := "+"
	if d.Kind == DeltaSub {
		op = "-"
	}
	return fmt.Sprintf("%s%s", op, d.Amount.String())
}

// Entry is what a writer places at a key for one Version.
type Entry struct {
	Kind EntryKind

	// Value / Deletion fields.
	Value    []byte
	Metadata []byte
	Layout   []byte // optional resource-group member layout tag

	// Delta field.
	Delta DeltaOp
}

func NewValueEntry(value, metadata []byte) Entry {
	return Entry{Kind: EntryValue, Value: value, Metadata: metadata}
}

func NewDeletionEntry(metadata []byte) Entry {
	return Entry{Kind: EntryDeletion, Metadata: metadata}
}

func NewDeltaEntry(d DeltaOp) Entry {
	return Entry{Kind: EntryDelta, Delta: d}
}

var estimateEntry = Entry{Kind: EntryEstimate}

// ReadKind records what shape a read took, needed to re-validate it later.
type ReadKind uint8

const (
	ReadKindValue ReadKind = iota
	ReadKindMetadata
	ReadKindExists
	ReadKindSize
	ReadKindDeltaResolved
)

// ReadSource is either the immutable base view or a specific writer Version.
type ReadSource struct {
	FromBase bool
	Writer   Version
}

func (s ReadSource) String() string {
	if s.FromBase {
		return "base"
	}
	return s.Writer.String()
}

// ReadDescriptor is the record of a single read performed while executing
// one incarnation of a transaction.
type ReadDescriptor struct {
	Key    StateKey
	Kind   ReadKind
	Source ReadSource

	// ResolvedValue is set only for a ReadKindDeltaResolved read that
	// resolved through a delta chain: the value the chain resolved to, which
	// validation compares against a fresh walk of the chain. Snapshot is not
	// populated by the engine.
	ResolvedValue *uint256.Int
	Snapshot      *uint256.Int
}

// CapturedReads is the ordered list of reads for one incarnation.
type CapturedReads []ReadDescriptor

// StatusKind is the outer discriminant of a VM/engine outcome.
type StatusKind uint8

const (
	StatusKeep StatusKind = iota
	StatusAbort
	StatusSkipRest
)

// Status mirrors the VM contract's tri-state outcome.
type Status struct {
	Kind      StatusKind
	KeepCode  string // informational status string when Kind == StatusKeep
	AbortCode string // reason when Kind == StatusAbort
}

func KeepStatus(code string) Status  { return Status{Kind: StatusKeep, KeepCode: code} }
func AbortStatus(code string) Status { return Status{Kind: StatusAbort, AbortCode: code} }
func SkipRestStatus() Status         { return Status{Kind: StatusSkipRest} }

// Event is an opaque transaction event; Tag is compared against the
// configured reconfiguration event tag at finalization.
type Event struct {
	Tag  string
	Data []byte
}

// VMOutput is what the external VM collaborator returns for one incarnation.
type VMOutput struct {
	Writes       map[StateKey]Entry
	Events       []Event
	Gas          uint64
	Status       Status
	ModuleWrites map[StateKey]Entry
	ReadsModule  bool // true if this incarnation performed a module read
	GroupOps     []GroupOp
}

// GroupOpKind discriminates a resource-group member operation.
type GroupOpKind uint8

const (
	GroupOpNew GroupOpKind = iota
	GroupOpModify
	GroupOpDelete
)

// GroupOp is one member-level operation against a shared storage slot. The
// VM emits these instead of a single blob write; in either mode the
// coalescer reassembles the slot at finalization.
type GroupOp struct {
	Group  StateKey
	Member StateKey
	Kind   GroupOpKind
	Value  []byte
}

// TxnOutput is VMOutput plus the reads captured while producing it, as
// retained by the scheduler slot for (TxnIndex, Incarnation).
type TxnOutput struct {
	VMOutput
	Reads CapturedReads
}

// ResourceGroupMode selects how member writes to a shared storage slot are
// coalesced at finalization. Mixing modes within one run is forbidden.
type ResourceGroupMode uint8

const (
	ResourceGroupV0 ResourceGroupMode = iota // whole-group: reassemble from base + ops at commit
	ResourceGroupV1                          // granular: member ops kept separate until finalization
)

// Config is the external configuration surface.
type Config struct {
	ConcurrencyLevel     int
	BlockGasLimit        *uint64
	AllowFallback        bool
	DiscardFailedBlocks  bool
	ResourceGroupMode    ResourceGroupMode
	DeltaLayerEnabled    bool
	ReconfigurationEvent string // event Tag that marks a reconfiguration
}

func (c Config) validate() error {
	if c.ConcurrencyLevel <= 0 {
		return fmt.Errorf("blockstm: ConcurrencyLevel must be > 0, got %d", c.ConcurrencyLevel)
	}
	return nil
}
