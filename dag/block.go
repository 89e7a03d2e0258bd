package dag

// Block is one entry of a validator's append-only causal-broadcast log.
// Height is the sender-local sequence number, strictly increasing and gapless.
// Deps holds the content hash of the latest known block from every validator
// at creation time (including the sender's own previous block), keyed by the
// validator's name. The payload is opaque to this layer.
type Block struct {
	Sender  string
	Height  uint64
	Payload []byte
	Deps    map[string][]byte // map from validator name to block hash
	Sig     []byte
}

// blockBody is the signed and hashed portion of a block, i.e. everything
// except the signature itself.
type blockBody struct {
	Sender  string
	Height  uint64
	Payload []byte
	Deps    map[string][]byte
}

// Digest returns the content digest a sender signs. The map keys inside Deps
// are emitted in sorted order by the encoder, so the digest is identical on
// every node.
func (b *Block) Digest() ([]byte, error) {
	body := blockBody{
		Sender:  b.Sender,
		Height:  b.Height,
		Payload: b.Payload,
		Deps:    b.Deps,
	}
	encoded, err := encode(body)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encoded)
}

// Hash is the content hash the rest of the system refers to this block by.
// It equals the signing digest.
func (b *Block) Hash() ([]byte, error) {
	return b.Digest()
}

func (b *Block) HashAsString() (string, error) {
	hash, err := b.Hash()
	if err != nil {
		return "", err
	}
	return hashToString(hash), nil
}

// PrevHash returns the hash of the sender's own previous block as recorded in
// the dependency set, or nil for a first block.
func (b *Block) PrevHash() []byte {
	if b.Height <= 1 {
		return nil
	}
	return b.Deps[b.Sender]
}
