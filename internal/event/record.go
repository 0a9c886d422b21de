package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RecordType discriminates state-change records.
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposit
	RecordTypeWithdrawal
	RecordTypeNAVUpdate
	RecordTypeParameterChange
	RecordTypeTreasurySweep
	RecordTypeBatchWithdrawal
	RecordTypePause
	RecordTypeUnpause
	RecordTypeRejection
)

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeDeposit:
		return "Deposit"
	case RecordTypeWithdrawal:
		return "Withdrawal"
	case RecordTypeNAVUpdate:
		return "NAVUpdate"
	case RecordTypeParameterChange:
		return "ParameterChange"
	case RecordTypeTreasurySweep:
		return "TreasurySweep"
	case RecordTypeBatchWithdrawal:
		return "BatchWithdrawal"
	case RecordTypePause:
		return "Pause"
	case RecordTypeUnpause:
		return "Unpause"
	case RecordTypeRejection:
		return "Rejection"
	default:
		return "Unknown"
	}
}

// Record is the interface all state-change records implement. Every mutating
// vault operation emits exactly one record on success; security-relevant
// rejections emit a diagnostic Rejection record.
type Record interface {
	RecordType() RecordType
	IdempotencyKey() string
	OccurredAt() time.Time
}

// Envelope wraps every record in the log with the vault-assigned sequence.
type Envelope struct {
	Sequence       uint64
	RecordType     RecordType
	IdempotencyKey string
	Timestamp      time.Time
	Payload        Record
}

type Deposit struct {
	EventID   uuid.UUID
	Caller    uuid.UUID
	Receiver  uuid.UUID
	Assets    *uint256.Int
	Shares    *uint256.Int
	Timestamp time.Time
}

func (d *Deposit) RecordType() RecordType { return RecordTypeDeposit }
func (d *Deposit) IdempotencyKey() string { return d.EventID.String() }
func (d *Deposit) OccurredAt() time.Time  { return d.Timestamp }

type Withdrawal struct {
	EventID   uuid.UUID
	Caller    uuid.UUID
	Owner     uuid.UUID
	Receiver  uuid.UUID
	Assets    *uint256.Int
	Shares    *uint256.Int
	Timestamp time.Time
}

func (w *Withdrawal) RecordType() RecordType { return RecordTypeWithdrawal }
func (w *Withdrawal) IdempotencyKey() string { return w.EventID.String() }
func (w *Withdrawal) OccurredAt() time.Time  { return w.Timestamp }

type NAVUpdate struct {
	EventID     uuid.UUID
	OldNAV      *uint256.Int
	NewNAV      *uint256.Int
	TotalAssets *uint256.Int
	Significant bool
	Timestamp   time.Time
}

func (n *NAVUpdate) RecordType() RecordType { return RecordTypeNAVUpdate }
func (n *NAVUpdate) IdempotencyKey() string { return n.EventID.String() }
func (n *NAVUpdate) OccurredAt() time.Time  { return n.Timestamp }

type ParameterChange struct {
	EventID   uuid.UUID
	Parameter string
	OldValue  string
	NewValue  string
	Timestamp time.Time
}

func (p *ParameterChange) RecordType() RecordType { return RecordTypeParameterChange }
func (p *ParameterChange) IdempotencyKey() string { return p.EventID.String() }
func (p *ParameterChange) OccurredAt() time.Time  { return p.Timestamp }

type TreasurySweep struct {
	EventID   uuid.UUID
	Treasury  uuid.UUID
	Amount    *uint256.Int
	Timestamp time.Time
}

func (t *TreasurySweep) RecordType() RecordType { return RecordTypeTreasurySweep }
func (t *TreasurySweep) IdempotencyKey() string { return t.EventID.String() }
func (t *TreasurySweep) OccurredAt() time.Time  { return t.Timestamp }

type BatchWithdrawal struct {
	EventID   uuid.UUID
	Owners    []uuid.UUID
	Emergency bool
	Timestamp time.Time
}

func (b *BatchWithdrawal) RecordType() RecordType { return RecordTypeBatchWithdrawal }
func (b *BatchWithdrawal) IdempotencyKey() string { return b.EventID.String() }
func (b *BatchWithdrawal) OccurredAt() time.Time  { return b.Timestamp }

type PauseChange struct {
	EventID   uuid.UUID
	Paused    bool
	Timestamp time.Time
}

func (p *PauseChange) RecordType() RecordType {
	if p.Paused {
		return RecordTypePause
	}
	return RecordTypeUnpause
}
func (p *PauseChange) IdempotencyKey() string { return p.EventID.String() }
func (p *PauseChange) OccurredAt() time.Time  { return p.Timestamp }

// Rejection is a diagnostic record for security-relevant refusals
// (deposit limit exceeded, withdrawal during cooldown, oversized NAV move).
type Rejection struct {
	EventID   uuid.UUID
	Operation string
	Account   uuid.UUID
	Reason    string
	Timestamp time.Time
}

func (r *Rejection) RecordType() RecordType { return RecordTypeRejection }
func (r *Rejection) IdempotencyKey() string { return r.EventID.String() }
func (r *Rejection) OccurredAt() time.Time  { return r.Timestamp }

// Wrap builds the envelope for a record at the given vault sequence.
func Wrap(seq uint64, rec Record) Envelope {
	return Envelope{
		Sequence:       seq,
		RecordType:     rec.RecordType(),
		IdempotencyKey: rec.IdempotencyKey(),
		Timestamp:      rec.OccurredAt(),
		Payload:        rec,
	}
}

// Sink receives enveloped records from the vault. Implementations must not
// call back into the vault; emission happens inside the vault's critical
// section.
type Sink interface {
	Emit(env Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(env Envelope)

func (f SinkFunc) Emit(env Envelope) { f(env) }

// NopSink discards records. Used by tests that don't assert on emission.
type NopSink struct{}

func (NopSink) Emit(Envelope) {}
