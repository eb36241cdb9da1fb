package state

var (
	dropPrefix         = []byte("drops/drop/")
	keyPrefix          = []byte("drops/key/")
	refundLedgerPrefix = []byte("drops/refund/funder/")
)

func prefixedKey(prefix []byte, id []byte) []byte {
	key := make([]byte, len(prefix)+len(id))
	copy(key, prefix)
	copy(key[len(prefix):], id)
	return key
}

func dropKey(id string) []byte { return prefixedKey(dropPrefix, []byte(id)) }

func accessKeyKey(hash [32]byte) []byte { return prefixedKey(keyPrefix, hash[:]) }

func refundLedgerKey(funder string) []byte { return prefixedKey(refundLedgerPrefix, []byte(funder)) }
