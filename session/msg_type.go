package session

// MessageKind is the discriminant of the one payload type all session
// messages travel as. The state machine dispatches on it exhaustively.
type MessageKind uint8

const (
	KindProposal MessageKind = iota
	KindPrevote
	KindPrecommit
)

func (k MessageKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindPrevote:
		return "prevote"
	case KindPrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Message is one signed statement by a validator inside a round: a proposal
// carrying a candidate, or a prevote/precommit endorsing a candidate hash.
// An empty Hash means nil ("skip"). Messages travel as the payload of a
// causal-broadcast block and are immutable once signed.
type Message struct {
	Kind       MessageKind
	Shard      string
	Height     uint64
	Round      uint64
	Sender     string
	Hash       string // hex candidate hash; empty means nil
	Candidate  []byte // proposals only
	Sig        []byte
	PartialSig []byte // precommits only: threshold partial over VoteData
}

// msgBody is the signed portion of a message.
type msgBody struct {
	Kind      MessageKind
	Shard     string
	Height    uint64
	Round     uint64
	Sender    string
	Hash      string
	Candidate []byte
}

// Digest returns the digest the sender's signature covers.
func (m *Message) Digest() ([]byte, error) {
	body := msgBody{
		Kind:      m.Kind,
		Shard:     m.Shard,
		Height:    m.Height,
		Round:     m.Round,
		Sender:    m.Sender,
		Hash:      m.Hash,
		Candidate: m.Candidate,
	}
	encoded, err := encode(body)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encoded)
}

// tsBody is what every precommit's threshold partial signs. It deliberately
// excludes the sender so that all partials of one decision cover identical
// bytes and can be assembled into one intact signature.
type tsBody struct {
	Shard  string
	Height uint64
	Round  uint64
	Hash   string
}

// VoteData returns the bytes the threshold partials of a decision sign.
func VoteData(shard string, height, round uint64, hash string) ([]byte, error) {
	encoded, err := encode(tsBody{Shard: shard, Height: height, Round: round, Hash: hash})
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encoded)
}

// EquivocationProof is the evidence retained when one validator signs two
// conflicting messages for the same round and phase. It is surfaced to the
// policy layers, not resolved here.
type EquivocationProof struct {
	Shard  string
	Height uint64
	Round  uint64
	Kind   MessageKind
	Sender string
	First  *Message
	Second *Message
}
