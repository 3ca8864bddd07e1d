// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

// PublicKeyLen is the length of a compressed secp256k1 public key.
const PublicKeyLen = 33

// PublicKey is a compressed secp256k1 public key.
type PublicKey [PublicKeyLen]byte

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var key PublicKey
	if len(b) != PublicKeyLen {
		return key, fmt.Errorf("public key must be %d bytes, got %d", PublicKeyLen, len(b))
	}
	copy(key[:], b)
	return key, nil
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*k, err = PublicKeyFromBytes(b)
	return err
}

type PermissionLevel struct {
	Actor      abi.Name `serialize:"true" json:"actor" abi:"actor"`
	Permission abi.Name `serialize:"true" json:"permission" abi:"permission"`
}

func (p PermissionLevel) String() string { return fmt.Sprintf("%s@%s", p.Actor, p.Permission) }

// Action is a call of [Name] on contract [Account]. [Data] is packed with
// the action type declared in the contract ABI.
type Action struct {
	Account       abi.Name          `serialize:"true" json:"account"`
	Name          abi.Name          `serialize:"true" json:"name"`
	Authorization []PermissionLevel `serialize:"true" json:"authorization"`
	Data          []byte            `serialize:"true" json:"data"`
}

func (a *Action) Digest() (ids.ID, error) {
	b, err := marshal(a)
	if err != nil {
		return ids.Empty, err
	}
	return hashing.ComputeHash256Array(b), nil
}

type Transaction struct {
	// Expiration is in seconds since the epoch
	Expiration       uint32 `serialize:"true" json:"expiration"`
	RefBlockNum      uint16 `serialize:"true" json:"ref_block_num"`
	RefBlockPrefix   uint32 `serialize:"true" json:"ref_block_prefix"`
	MaxNetUsageWords uint32 `serialize:"true" json:"max_net_usage_words"`
	MaxCPUUsageMS    uint8  `serialize:"true" json:"max_cpu_usage_ms"`
	DelaySec         uint32 `serialize:"true" json:"delay_sec"`

	ContextFreeActions []Action `serialize:"true" json:"context_free_actions"`
	Actions            []Action `serialize:"true" json:"actions"`
}

func (t *Transaction) Bytes() ([]byte, error) { return marshal(t) }

func (t *Transaction) ID() (ids.ID, error) {
	b, err := t.Bytes()
	if err != nil {
		return ids.Empty, err
	}
	return hashing.ComputeHash256Array(b), nil
}

func (t *Transaction) ExpirationTime() time.Time {
	return time.Unix(int64(t.Expiration), 0)
}

func (t *Transaction) Delay() time.Duration {
	return time.Duration(t.DelaySec) * time.Second
}

// SetReferenceBlock binds the transaction to block [id] (TaPoS).
func (t *Transaction) SetReferenceBlock(id ids.ID) {
	t.RefBlockNum = uint16(NumFromID(id))
	t.RefBlockPrefix = refBlockPrefix(id)
}

// VerifyReferenceBlock reports whether [id] is the block the transaction is
// bound to.
func (t *Transaction) VerifyReferenceBlock(id ids.ID) bool {
	return t.RefBlockNum == uint16(NumFromID(id)) && t.RefBlockPrefix == refBlockPrefix(id)
}

func refBlockPrefix(id ids.ID) uint32 {
	return binary.LittleEndian.Uint32(id[8:12])
}

// Authorizers returns every actor named by the authorizations of the
// transaction actions.
func (t *Transaction) Authorizers() []abi.Name {
	seen := make(map[abi.Name]struct{})
	var res []abi.Name
	for _, act := range t.Actions {
		for _, auth := range act.Authorization {
			if _, ok := seen[auth.Actor]; ok {
				continue
			}
			seen[auth.Actor] = struct{}{}
			res = append(res, auth.Actor)
		}
	}
	return res
}

type SignedTransaction struct {
	Transaction Transaction `serialize:"true" json:"transaction"`
	Signatures  [][]byte    `serialize:"true" json:"signatures"`
}

// PackedTransaction is the form transactions travel in. Its id is the hash of
// the packed transaction.
type PackedTransaction struct {
	Signatures [][]byte `serialize:"true" json:"signatures"`
	PackedTrx  []byte   `serialize:"true" json:"packed_trx"`
}

func NewPackedTransaction(st *SignedTransaction) (*PackedTransaction, error) {
	b, err := st.Transaction.Bytes()
	if err != nil {
		return nil, err
	}
	return &PackedTransaction{Signatures: st.Signatures, PackedTrx: b}, nil
}

func (p *PackedTransaction) Bytes() ([]byte, error) { return marshal(p) }

func ParsePackedTransaction(b []byte) (*PackedTransaction, error) {
	p := &PackedTransaction{}
	if err := unmarshal(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PackedTransaction) ID() ids.ID {
	return hashing.ComputeHash256Array(p.PackedTrx)
}

func (p *PackedTransaction) Unpack() (*Transaction, error) {
	trx := &Transaction{}
	if err := unmarshal(p.PackedTrx, trx); err != nil {
		return nil, fmt.Errorf("failed to unpack transaction: %w", err)
	}
	return trx, nil
}

// SigningDigest is the digest signed by the transaction authorizers.
func SigningDigest(chainID ids.ID, packedTrx []byte) ids.ID {
	b := make([]byte, 0, len(chainID)+len(packedTrx))
	b = append(b, chainID[:]...)
	b = append(b, packedTrx...)
	return hashing.ComputeHash256Array(b)
}

type TransactionStatus uint8

const (
	StatusExecuted TransactionStatus = iota
	StatusSoftFail
	StatusHardFail
	StatusDelayed
	StatusExpired
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusExecuted:
		return "executed"
	case StatusSoftFail:
		return "soft_fail"
	case StatusHardFail:
		return "hard_fail"
	case StatusDelayed:
		return "delayed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s TransactionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type TransactionReceiptHeader struct {
	Status        TransactionStatus `serialize:"true" json:"status"`
	CPUUsageUS    uint32            `serialize:"true" json:"cpu_usage_us"`
	NetUsageWords uint32            `serialize:"true" json:"net_usage_words"`
	RAMKBytes     uint64            `serialize:"true" json:"ram_kbytes"`
	StorageKBytes uint64            `serialize:"true" json:"storage_kbytes"`
}

type ReceiptKind uint8

const (
	// ReceiptID refers to a transaction the block doesn't carry: a scheduled
	// or a nested one.
	ReceiptID ReceiptKind = iota
	ReceiptPacked
)

type TransactionReceipt struct {
	Header TransactionReceiptHeader `serialize:"true" json:"header"`
	Kind   ReceiptKind              `serialize:"true" json:"kind"`
	ID     ids.ID                   `serialize:"true" json:"id"`
	Packed PackedTransaction        `serialize:"true" json:"packed"`
}

// TrxID returns the id of the transaction the receipt is for.
func (r *TransactionReceipt) TrxID() ids.ID {
	if r.Kind == ReceiptPacked {
		return r.Packed.ID()
	}
	return r.ID
}

func (r *TransactionReceipt) Digest() (ids.ID, error) {
	b, err := marshal(r)
	if err != nil {
		return ids.Empty, err
	}
	return hashing.ComputeHash256Array(b), nil
}

// ActionReceipt proves the execution of an action by [Receiver].
type ActionReceipt struct {
	Receiver       abi.Name `serialize:"true" json:"receiver"`
	ActDigest      ids.ID   `serialize:"true" json:"act_digest"`
	GlobalSequence uint64   `serialize:"true" json:"global_sequence"`
	RecvSequence   uint64   `serialize:"true" json:"recv_sequence"`
}

func (r *ActionReceipt) Digest() (ids.ID, error) {
	b, err := marshal(r)
	if err != nil {
		return ids.Empty, err
	}
	return hashing.ComputeHash256Array(b), nil
}

type BlockHeader struct {
	// Timestamp is in milliseconds since the epoch
	Timestamp        int64    `serialize:"true" json:"timestamp"`
	Producer         abi.Name `serialize:"true" json:"producer"`
	Confirmed        uint16   `serialize:"true" json:"confirmed"`
	Previous         ids.ID   `serialize:"true" json:"previous"`
	TransactionMRoot ids.ID   `serialize:"true" json:"transaction_mroot"`
	ActionMRoot      ids.ID   `serialize:"true" json:"action_mroot"`
	ScheduleVersion  uint32   `serialize:"true" json:"schedule_version"`
}

func (h *BlockHeader) Time() time.Time { return time.UnixMilli(h.Timestamp) }

func (h *BlockHeader) BlockNum() uint32 { return NumFromID(h.Previous) + 1 }

// Digest is the hash signed by the producer.
func (h *BlockHeader) Digest(chainID ids.ID) (ids.ID, error) {
	b, err := marshal(h)
	if err != nil {
		return ids.Empty, err
	}
	return SigningDigest(chainID, b), nil
}

// ID hashes the header and stores the block number in the first 4 bytes.
func (h *BlockHeader) ID() (ids.ID, error) {
	b, err := marshal(h)
	if err != nil {
		return ids.Empty, err
	}
	id := hashing.ComputeHash256Array(b)
	binary.BigEndian.PutUint32(id[:4], h.BlockNum())
	return id, nil
}

type SignedBlock struct {
	Header            BlockHeader          `serialize:"true" json:"header"`
	ProducerSignature []byte               `serialize:"true" json:"producer_signature"`
	Transactions      []TransactionReceipt `serialize:"true" json:"transactions"`
}

func (b *SignedBlock) Bytes() ([]byte, error) { return marshal(b) }

func ParseSignedBlock(b []byte) (*SignedBlock, error) {
	blk := &SignedBlock{}
	if err := unmarshal(b, blk); err != nil {
		return nil, err
	}
	return blk, nil
}

// ProducerKey is an entry of the producer schedule.
type ProducerKey struct {
	ProducerName    abi.Name  `serialize:"true" json:"producer_name"`
	BlockSigningKey PublicKey `serialize:"true" json:"block_signing_key"`
}

// BlockState is a block together with what is derived from it.
type BlockState struct {
	ID       ids.ID      `serialize:"true" json:"id"`
	BlockNum uint32      `serialize:"true" json:"block_num"`
	Header   BlockHeader `serialize:"true" json:"header"`
	Block    SignedBlock `serialize:"true" json:"block"`

	Validated      bool `serialize:"true" json:"validated"`
	InCurrentChain bool `serialize:"true" json:"in_current_chain"`

	// Schedule is the producer schedule in effect after the block
	ScheduleVersion uint32        `serialize:"true" json:"schedule_version"`
	Schedule        []ProducerKey `serialize:"true" json:"schedule"`
}

func (bs *BlockState) Bytes() ([]byte, error) { return marshal(bs) }

func ParseBlockState(b []byte) (*BlockState, error) {
	bs := &BlockState{}
	if err := unmarshal(b, bs); err != nil {
		return nil, err
	}
	return bs, nil
}

// ScheduledProducer returns the producer scheduled for the slot of [t].
func (bs *BlockState) ScheduledProducer(t time.Time, interval time.Duration) (ProducerKey, bool) {
	if len(bs.Schedule) == 0 {
		return ProducerKey{}, false
	}
	slot := uint64(t.UnixMilli() / interval.Milliseconds())
	return bs.Schedule[slot%uint64(len(bs.Schedule))], true
}

func (bs *BlockState) signingKey(producer abi.Name) (PublicKey, bool) {
	for _, p := range bs.Schedule {
		if p.ProducerName == producer {
			return p.BlockSigningKey, true
		}
	}
	return PublicKey{}, false
}

// NumFromID returns the block number stored in a block id.
func NumFromID(id ids.ID) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// Merkle returns the root of the pairwise sha256 tree over [digests].
func Merkle(digests []ids.ID) ids.ID {
	if len(digests) == 0 {
		return ids.Empty
	}
	level := append([]ids.ID(nil), digests...)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]ids.ID, len(level)/2)
		for i := range next {
			pair := make([]byte, 0, 2*len(ids.Empty))
			pair = append(pair, level[2*i][:]...)
			pair = append(pair, level[2*i+1][:]...)
			next[i] = hashing.ComputeHash256Array(pair)
		}
		level = next
	}
	return level[0]
}
