package ledger

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

type Hash [32]byte

// GenesisPrevHash is the prev hash of the record at seq 0.
var GenesisPrevHash Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// MoveRecord is never mutated after it enters a ledger.
type MoveRecord struct {
	_          struct{} `cbor:",toarray"`
	Seq        uint64
	Mover      string
	Payload    []byte
	PrevHash   Hash
	RecordHash Hash
	Timestamp  int64 //unix nano
	Signature  []byte
}

// ComputeHash is sha3-256 over
// prev_hash | seq (u64 BE) | len(mover) (u32 BE) | mover | len(payload) (u32 BE) | payload | timestamp (i64 BE).
func ComputeHash(prev_hash Hash, seq uint64, mover string, payload []byte, timestamp int64) Hash {
	hasher := sha3.New256()
	var scratch [8]byte

	hasher.Write(prev_hash[:])
	binary.BigEndian.PutUint64(scratch[:], seq)
	hasher.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(mover)))
	hasher.Write(scratch[:4])
	hasher.Write([]byte(mover))
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(payload)))
	hasher.Write(scratch[:4])
	hasher.Write(payload)
	binary.BigEndian.PutUint64(scratch[:], uint64(timestamp))
	hasher.Write(scratch[:])

	var result Hash
	hasher.Sum(result[:0])
	return result
}

func (r *MoveRecord) ComputeHash() Hash {
	return ComputeHash(r.PrevHash, r.Seq, r.Mover, r.Payload, r.Timestamp)
}

func (r *MoveRecord) Clone() MoveRecord {
	result := *r
	result.Payload = append([]byte(nil), r.Payload...)
	result.Signature = append([]byte(nil), r.Signature...)
	return result
}

func (r *MoveRecord) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

func UnmarshalRecord(data []byte) (MoveRecord, error) {
	var result MoveRecord
	err := cbor.Unmarshal(data, &result)
	return result, err
}
