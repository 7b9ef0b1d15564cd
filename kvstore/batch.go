package kvstore

// record is the unit written to the log. Integer keys keep the
// encoding small.
type record struct {
	Ops []op `cbor:"1,keyasint"`
}

type op struct {
	Key    []byte `cbor:"1,keyasint"`
	Value  []byte `cbor:"2,keyasint,omitempty"`
	Delete bool   `cbor:"3,keyasint,omitempty"`
}

func putOp(key, value []byte) op {
	return op{
		Key:   append([]byte(nil), key...),
		Value: append([]byte{}, value...),
	}
}

func deleteOp(key []byte) op {
	return op{Key: append([]byte(nil), key...), Delete: true}
}

// Batch collects puts and deletes to be committed together by
// DB.Write. Operations apply in the order they were added.
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a write of value under key.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, putOp(key, value))
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, deleteOp(key))
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// Reset discards every staged operation.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}
