package transport

import (
	"context"
	"encoding/json"
	"net/url"
)

// The following duck-typed collaborator interfaces describe only the
// methods Transport actually calls — spec.md §9's "duck-typed collaborators"
// redesign note. Concrete implementations live in the blocks/transactions/
// dapps/delegates/system domain packages, which this core treats as opaque
// (spec.md §1 Out of scope).

// Blocks is the block-store collaborator.
type Blocks interface {
	CommonBlock(ctx context.Context, ids []string) (json.RawMessage, bool, error)
	Load(ctx context.Context, afterBlockID string, limit int) ([]json.RawMessage, error)
	Height(ctx context.Context) (uint64, error)
}

// Transactions is the unconfirmed-transaction-pool collaborator.
type Transactions interface {
	ReceiveTransactions(ctx context.Context, txs []json.RawMessage) error
	Unconfirmed(ctx context.Context) ([]json.RawMessage, error)
	Signatures(ctx context.Context) ([]json.RawMessage, error)
}

// Multisignatures processes inbound signature shares.
type Multisignatures interface {
	ProcessSignature(ctx context.Context, signature json.RawMessage) error
}

// Delegates is the forging-eligibility collaborator.
type Delegates interface {
	EnableForging(ctx context.Context) error
}

// LogicBlock normalizes an inbound block body — spec.md §4.2 POST /blocks.
type LogicBlock interface {
	ObjectNormalize(raw json.RawMessage) (json.RawMessage, string, error)
}

// LogicTransaction normalizes an inbound transaction body — spec.md §4.2
// POST /transactions.
type LogicTransaction interface {
	ObjectNormalize(raw json.RawMessage) (json.RawMessage, string, error)
}

// Dapps is the dapp-message collaborator.
type Dapps interface {
	Message(ctx context.Context, dappID string, body json.RawMessage) error
	Request(ctx context.Context, dappID, method, path string, query url.Values) (json.RawMessage, error)
}
