package state

import (
	"encoding/binary"

	"github.com/opendlt/accumen-appsdk/types"
)

// Key layout of the durable store. Application state lives under AppPrefix;
// everything else belongs to the host.
var (
	appPrefix     = []byte("a/")
	codePrefix    = []byte("s/code/")
	descPrefix    = []byte("s/app/")
	nextAppPrefix = []byte("s/next/")
	inboxPrefix   = []byte("s/inbox/")
	outboxPrefix  = []byte("s/outbox/")
	receiptPrefix = []byte("s/rcpt/")
	txHashPrefix  = []byte("s/txh/")
	sequenceKey   = []byte("s/seq")
)

func join(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// AppPrefix is the key prefix of an application's storage view.
func AppPrefix(app types.ApplicationID) []byte {
	return join(appPrefix, app.Key(), []byte{'/'})
}

// CodeKey stores bytecode by content hash.
func CodeKey(hash [32]byte) []byte {
	return join(codePrefix, hash[:])
}

// DescriptionKey stores an application's Description.
func DescriptionKey(app types.ApplicationID) []byte {
	return join(descPrefix, app.Key())
}

// DescriptionPrefix covers every Description of a chain.
func DescriptionPrefix(chain types.ChainID) []byte {
	return join(descPrefix, chain[:])
}

// NextAppKey holds the next application index of a chain.
func NextAppKey(chain types.ChainID) []byte {
	return join(nextAppPrefix, chain[:])
}

// InboxKey holds the next expected message index from sender to target.
func InboxKey(target, sender types.ApplicationID) []byte {
	return join(inboxPrefix, target.Key(), sender.Key())
}

// OutboxKey holds the index of the next message sender will send to target.
func OutboxKey(sender, target types.ApplicationID) []byte {
	return join(outboxPrefix, sender.Key(), target.Key())
}

// ReceiptKey stores the receipt of a committed transaction.
func ReceiptKey(seq uint64) []byte {
	return join(receiptPrefix, u64(seq))
}

// TxHashKey maps a transaction hash to its sequence.
func TxHashKey(hash [32]byte) []byte {
	return join(txHashPrefix, hash[:])
}

// SequenceKey holds the sequence of the last committed transaction.
func SequenceKey() []byte {
	return sequenceKey
}

// DecodeU64 reads a big-endian counter; missing values read as zero.
func DecodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// EncodeU64 writes a big-endian counter.
func EncodeU64(v uint64) []byte {
	return u64(v)
}

// LoadSequence returns the sequence of the last committed transaction.
func LoadSequence(kv KVStore) (uint64, error) {
	b, err := kv.Get(sequenceKey)
	if err == ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return DecodeU64(b), nil
}
