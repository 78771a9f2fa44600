package state

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opendlt/accumen-appsdk/types"
)

// Receipt records one committed transaction. It is written in the same batch
// as the transaction's state changes.
type Receipt struct {
	Sequence    uint64              `cbor:"1,keyasint"`
	TxHash      [32]byte            `cbor:"2,keyasint"`
	Application types.ApplicationID `cbor:"3,keyasint"`
	Entry       string              `cbor:"4,keyasint"`
	GasUsed     uint64              `cbor:"5,keyasint"`
	Writes      int                 `cbor:"6,keyasint"`
	Digest      [32]byte            `cbor:"7,keyasint"`
	Messages    int                 `cbor:"8,keyasint,omitempty"`
	Calls       int                 `cbor:"9,keyasint,omitempty"`
}

var receiptEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// StoreReceipt stages r and its hash index in txn, and advances the chain
// sequence.
func StoreReceipt(txn *Txn, r *Receipt) error {
	data, err := receiptEnc.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	if err := txn.Set(ReceiptKey(r.Sequence), data); err != nil {
		return fmt.Errorf("failed to store receipt: %w", err)
	}
	if err := txn.Set(TxHashKey(r.TxHash), u64(r.Sequence)); err != nil {
		return fmt.Errorf("failed to store receipt hash index: %w", err)
	}
	return txn.Set(sequenceKey, u64(r.Sequence))
}

// LoadReceipt loads the receipt of the transaction with the given sequence.
func LoadReceipt(kv KVStore, seq uint64) (*Receipt, error) {
	data, err := kv.Get(ReceiptKey(seq))
	if err != nil {
		return nil, fmt.Errorf("receipt %d: %w", seq, err)
	}

	var r Receipt
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode receipt %d: %w", seq, err)
	}
	return &r, nil
}

// LoadReceiptByHash loads a receipt by transaction hash.
func LoadReceiptByHash(kv KVStore, hash [32]byte) (*Receipt, error) {
	loc, err := kv.Get(TxHashKey(hash))
	if err != nil {
		return nil, fmt.Errorf("receipt for %x: %w", hash, err)
	}
	return LoadReceipt(kv, DecodeU64(loc))
}

// ListReceipts returns up to limit receipts starting at sequence from.
func ListReceipts(kv KVStore, from uint64, limit int) ([]*Receipt, error) {
	var out []*Receipt
	errStop := errors.New("stop")

	err := kv.Iterate(receiptPrefix, func(key, value []byte) error {
		if DecodeU64(key[len(receiptPrefix):]) < from {
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return errStop
		}
		var r Receipt
		if err := cbor.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("failed to decode receipt at key %x: %w", key, err)
		}
		out = append(out, &r)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}
