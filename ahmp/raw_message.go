package ahmp

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/ledger"
)

const (
	OPN_T int = iota
	OOK_T
	ODN_T
	REC_T
	ACK_T
	SYN_T
	RSF_T
	TMK_T
	ABT_T
	PNG_T
	PNR_T

	HEL_T
	PRF_T

	REG_T
	RGK_T
	DIA_T
	DOK_T
	DDN_T
	INC_T
)

var ErrUnknownType = errors.New("ahmp: unknown message type")

// Frame is the envelope of every message: type tag, then the raw body.
type Frame struct {
	_    struct{} `cbor:",toarray"`
	Type int
	Body cbor.RawMessage
}

type RawOPN struct {
	GameID    string
	BoardSize int
	Resume    bool
}

func (r *RawOPN) TryParse() (*OPN, error) {
	gid, err := uuid.Parse(r.GameID)
	if err != nil {
		return nil, err
	}
	return &OPN{gid, r.BoardSize, r.Resume}, nil
}

type RawOOK struct {
	GameID string
}

func (r *RawOOK) TryParse() (*OOK, error) {
	gid, err := uuid.Parse(r.GameID)
	if err != nil {
		return nil, err
	}
	return &OOK{gid}, nil
}

type RawODN struct {
	GameID string
	Code   int
	Text   string
}

func (r *RawODN) TryParse() (*ODN, error) {
	gid, err := uuid.Parse(r.GameID)
	if err != nil {
		return nil, err
	}
	return &ODN{gid, r.Code, r.Text}, nil
}

type RawREC struct {
	Record []byte
}

func (r *RawREC) TryParse() (*REC, error) {
	rec, err := ledger.UnmarshalRecord(r.Record)
	if err != nil {
		return nil, err
	}
	return &REC{rec}, nil
}

type RawTMK struct {
	Round int
	Map   consensus.TerritoryMap
	Reply bool
}

func (r *RawTMK) TryParse() (*TMK, error) {
	if r.Round < 1 {
		return nil, errors.New("ahmp: invalid round")
	}
	if !r.Map.Valid() {
		return nil, errors.New("ahmp: malformed territory map")
	}
	m := r.Map
	return &TMK{r.Round, &m, r.Reply}, nil
}

type RawHEL struct {
	PublicKey []byte
	Nonce     []byte
}

func (r *RawHEL) TryParse() (*HEL, error) {
	if len(r.PublicKey) == 0 || len(r.Nonce) == 0 {
		return nil, errors.New("ahmp: empty hello")
	}
	return &HEL{r.PublicKey, r.Nonce}, nil
}

func encode(t int, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(Frame{Type: t, Body: raw})
}

func EncodeOPN(m *OPN) ([]byte, error) {
	return encode(OPN_T, RawOPN{m.GameID.String(), m.BoardSize, m.Resume})
}
func EncodeOOK(m *OOK) ([]byte, error) {
	return encode(OOK_T, RawOOK{m.GameID.String()})
}
func EncodeODN(m *ODN) ([]byte, error) {
	return encode(ODN_T, RawODN{m.GameID.String(), m.Code, m.Text})
}
func EncodeREC(m *REC) ([]byte, error) {
	data, err := m.Record.Marshal()
	if err != nil {
		return nil, err
	}
	return encode(REC_T, RawREC{data})
}
func EncodeACK(m *ACK) ([]byte, error) {
	return encode(ACK_T, m)
}
func EncodeSYN(m *SYN) ([]byte, error) {
	return encode(SYN_T, m)
}
func EncodeRSF(m *RSF) ([]byte, error) {
	return encode(RSF_T, m)
}
func EncodeTMK(m *TMK) ([]byte, error) {
	return encode(TMK_T, RawTMK{m.Round, *m.Map, m.Reply})
}
func EncodeABT(m *ABT) ([]byte, error) {
	return encode(ABT_T, m)
}
func EncodePNG(m *PNG) ([]byte, error) {
	return encode(PNG_T, m)
}
func EncodePNR(m *PNR) ([]byte, error) {
	return encode(PNR_T, m)
}
func EncodeHEL(m *HEL) ([]byte, error) {
	return encode(HEL_T, RawHEL{m.PublicKey, m.Nonce})
}
func EncodePRF(m *PRF) ([]byte, error) {
	return encode(PRF_T, m)
}
func EncodeREG(m *REG) ([]byte, error) {
	return encode(REG_T, m)
}
func EncodeRGK() ([]byte, error) {
	return encode(RGK_T, RGK{})
}
func EncodeDIA(m *DIA) ([]byte, error) {
	return encode(DIA_T, m)
}
func EncodeDOK() ([]byte, error) {
	return encode(DOK_T, DOK{})
}
func EncodeDDN(m *DDN) ([]byte, error) {
	return encode(DDN_T, m)
}
func EncodeINC() ([]byte, error) {
	return encode(INC_T, INC{})
}

// Decode returns a pointer to the parsed message type. Bodies that fail
// to parse come back as *INVAL.
func Decode(data []byte) (any, error) {
	var frame Frame
	if err := cbor.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	switch frame.Type {
	case OPN_T:
		return tryParse[RawOPN](frame.Body, (*RawOPN).TryParse)
	case OOK_T:
		return tryParse[RawOOK](frame.Body, (*RawOOK).TryParse)
	case ODN_T:
		return tryParse[RawODN](frame.Body, (*RawODN).TryParse)
	case REC_T:
		return tryParse[RawREC](frame.Body, (*RawREC).TryParse)
	case ACK_T:
		return plain[ACK](frame.Body)
	case SYN_T:
		return plain[SYN](frame.Body)
	case RSF_T:
		return plain[RSF](frame.Body)
	case TMK_T:
		return tryParse[RawTMK](frame.Body, (*RawTMK).TryParse)
	case ABT_T:
		return plain[ABT](frame.Body)
	case PNG_T:
		return plain[PNG](frame.Body)
	case PNR_T:
		return plain[PNR](frame.Body)
	case HEL_T:
		return tryParse[RawHEL](frame.Body, (*RawHEL).TryParse)
	case PRF_T:
		return plain[PRF](frame.Body)
	case REG_T:
		return plain[REG](frame.Body)
	case RGK_T:
		return plain[RGK](frame.Body)
	case DIA_T:
		return plain[DIA](frame.Body)
	case DOK_T:
		return plain[DOK](frame.Body)
	case DDN_T:
		return plain[DDN](frame.Body)
	case INC_T:
		return plain[INC](frame.Body)
	default:
		return nil, ErrUnknownType
	}
}

func tryParse[R any, M any](body []byte, parse func(*R) (*M, error)) (any, error) {
	var raw R
	if err := cbor.Unmarshal(body, &raw); err != nil {
		return &INVAL{err}, nil
	}
	parsed, err := parse(&raw)
	if err != nil {
		return &INVAL{err}, nil
	}
	return parsed, nil
}

func plain[M any](body []byte) (any, error) {
	result := new(M)
	if err := cbor.Unmarshal(body, result); err != nil {
		return &INVAL{err}, nil
	}
	return result, nil
}
