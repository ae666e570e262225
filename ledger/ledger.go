package ledger

import (
	"bytes"
	"errors"
	"strconv"
	"time"
)

type Signer interface {
	IDHash() string
	Sign(payload []byte) []byte
}

type Verifier interface {
	IDHash() string
	ValidateSignature(payload []byte, signature []byte) bool
}

// Validator is the subset of the move validator Replay needs.
type Validator interface {
	Validate(state any, move []byte) bool
	Apply(state any, move []byte) any
}

// Ledger is the per-session append-only hash chain. It is owned by a
// single goroutine and holds no locks.
type Ledger struct {
	local   Signer
	keys    map[string]Verifier
	records []MoveRecord
	now     func() time.Time
}

func New(local Signer, participants ...Verifier) *Ledger {
	result := new(Ledger)
	result.local = local
	result.keys = make(map[string]Verifier, len(participants))
	for _, p := range participants {
		result.keys[p.IDHash()] = p
	}
	result.records = make([]MoveRecord, 0, 64)
	result.now = time.Now
	return result
}

// Restore rebuilds a ledger from persisted records and verifies the chain.
func Restore(local Signer, records []MoveRecord, participants ...Verifier) (*Ledger, error) {
	result := New(local, participants...)
	for i := range records {
		result.records = append(result.records, records[i].Clone())
	}
	if err := result.Verify(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetClock replaces the timestamp source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Len is also the next sequence number.
func (l *Ledger) Len() uint64 {
	return uint64(len(l.records))
}

func (l *Ledger) Tail() (MoveRecord, bool) {
	if len(l.records) == 0 {
		return MoveRecord{}, false
	}
	return l.records[len(l.records)-1].Clone(), true
}

func (l *Ledger) TailHash() Hash {
	if len(l.records) == 0 {
		return GenesisPrevHash
	}
	return l.records[len(l.records)-1].RecordHash
}

func (l *Ledger) At(seq uint64) (MoveRecord, bool) {
	if seq >= uint64(len(l.records)) {
		return MoveRecord{}, false
	}
	return l.records[seq].Clone(), true
}

// From returns the records with Seq >= next, in order.
func (l *Ledger) From(next uint64) []MoveRecord {
	if next >= uint64(len(l.records)) {
		return nil
	}
	result := make([]MoveRecord, 0, len(l.records)-int(next))
	for i := next; i < uint64(len(l.records)); i++ {
		result = append(result, l.records[i].Clone())
	}
	return result
}

// Since returns the records after seq, the replay range for a peer whose
// last record is seq.
func (l *Ledger) Since(seq uint64) []MoveRecord {
	return l.From(seq + 1)
}

func (l *Ledger) Records() []MoveRecord {
	return l.From(0)
}

// Append signs and chains a local record.
func (l *Ledger) Append(payload []byte) (MoveRecord, error) {
	if l.local == nil {
		return MoveRecord{}, errors.New("ledger: no local signer")
	}
	rec := MoveRecord{
		Seq:       uint64(len(l.records)),
		Mover:     l.local.IDHash(),
		Payload:   append([]byte(nil), payload...),
		PrevHash:  l.TailHash(),
		Timestamp: l.now().UnixNano(),
	}
	rec.RecordHash = rec.ComputeHash()
	rec.Signature = l.local.Sign(rec.RecordHash[:])

	l.records = append(l.records, rec)
	return rec.Clone(), nil
}

// Check runs every chain check Accept would without mutating the ledger.
func (l *Ledger) Check(rec *MoveRecord) error {
	if rec.ComputeHash() != rec.RecordHash {
		return &ProtocolError{Code: HashMismatch, Seq: rec.Seq, Text: "record hash does not cover record content"}
	}

	next := uint64(len(l.records))
	if rec.Seq < next {
		stored := &l.records[rec.Seq]
		if stored.RecordHash == rec.RecordHash && bytes.Equal(stored.Signature, rec.Signature) {
			return ErrDuplicate
		}
		if rec.Seq == 0 {
			return &ProtocolError{Code: DuplicateGenesis, Seq: 0}
		}
		return &ProtocolError{Code: HashMismatch, Seq: rec.Seq, Text: "conflicts with stored record"}
	}
	if rec.Seq > next {
		return &ProtocolError{Code: SeqGap, Seq: rec.Seq, Expected: next}
	}

	if rec.PrevHash != l.TailHash() {
		return &ProtocolError{Code: HashMismatch, Seq: rec.Seq, Text: "prev hash does not match tail"}
	}
	return l.checkSignature(rec)
}

func (l *Ledger) checkSignature(rec *MoveRecord) error {
	verifier, ok := l.keys[rec.Mover]
	if !ok {
		return &ProtocolError{Code: BadSignature, Seq: rec.Seq, Text: "unknown mover " + rec.Mover}
	}
	if !verifier.ValidateSignature(rec.RecordHash[:], rec.Signature) {
		return &ProtocolError{Code: BadSignature, Seq: rec.Seq}
	}
	return nil
}

// Accept appends a peer record. ErrDuplicate leaves the ledger unchanged.
func (l *Ledger) Accept(rec MoveRecord) error {
	if err := l.Check(&rec); err != nil {
		return err
	}
	l.records = append(l.records, rec.Clone())
	return nil
}

// Verify re-checks the whole chain from genesis.
func (l *Ledger) Verify() error {
	prev := GenesisPrevHash
	for i := range l.records {
		rec := &l.records[i]
		if rec.Seq != uint64(i) {
			return &ProtocolError{Code: SeqGap, Seq: rec.Seq, Expected: uint64(i)}
		}
		if rec.PrevHash != prev {
			return &ProtocolError{Code: HashMismatch, Seq: rec.Seq, Text: "broken chain link"}
		}
		if rec.ComputeHash() != rec.RecordHash {
			return &ProtocolError{Code: HashMismatch, Seq: rec.Seq, Text: "record hash does not cover record content"}
		}
		if err := l.checkSignature(rec); err != nil {
			return err
		}
		prev = rec.RecordHash
	}
	return nil
}

// Replay folds every move after the genesis record through the validator.
func (l *Ledger) Replay(v Validator, initial any) (any, error) {
	state := initial
	for i := 1; i < len(l.records); i++ {
		rec := &l.records[i]
		if !v.Validate(state, rec.Payload) {
			return nil, errors.New("ledger: illegal move at seq " + strconv.FormatUint(rec.Seq, 10))
		}
		state = v.Apply(state, rec.Payload)
	}
	return state, nil
}
