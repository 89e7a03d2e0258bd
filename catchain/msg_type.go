package catchain

import (
	"reflect"

	"github.com/CGCL-codes/CatchainBFT/dag"
)

const (
	BlockTag uint8 = iota
	PullRequestTag
	PullReplyTag
)

// BlockMsg carries one causal-broadcast block. The wire signature is the
// block's own signature, so a relayed block stays verifiable.
type BlockMsg struct {
	Block dag.Block
}

// PullRequest asks a peer for the blocks the requester is missing. Known maps
// every validator to the highest height the requester already holds, the
// anti-entropy equivalent of "send me everything above these".
type PullRequest struct {
	Sender string
	Known  map[string]uint64
}

// PullReply returns a batch of blocks in ascending height order per sender.
type PullReply struct {
	Sender string
	Blocks []dag.Block
}

var blockMsg BlockMsg
var pullRequest PullRequest
var pullReply PullReply

var reflectedTypesMap = map[uint8]reflect.Type{
	BlockTag:       reflect.TypeOf(blockMsg),
	PullRequestTag: reflect.TypeOf(pullRequest),
	PullReplyTag:   reflect.TypeOf(pullReply),
}
