package network

// Wire message envelope and payload types (spec.md §4.7). Field names and
// enum spellings are part of the protocol contract (spec.md §6) — every
// JSON tag below is load-bearing, not cosmetic.

import (
	"encoding/json"
	"fmt"

	core "lvenc-node/core"
)

// MessageType enumerates the framed-JSON envelope's `type` discriminant.
type MessageType string

const (
	MsgHandshake      MessageType = "HANDSHAKE"
	MsgVersionReject  MessageType = "VERSION_REJECT"
	MsgQueryLatest    MessageType = "QUERY_LATEST"
	MsgQueryAll       MessageType = "QUERY_ALL"
	MsgQueryBlocksFrom MessageType = "QUERY_BLOCKS_FROM"
	MsgResponseLatest MessageType = "RESPONSE_LATEST"
	MsgResponseBlocks MessageType = "RESPONSE_BLOCKS"
	MsgResponseChain  MessageType = "RESPONSE_CHAIN"
	MsgNewBlock       MessageType = "NEW_BLOCK"
	MsgNewTx          MessageType = "NEW_TX"
)

// Envelope is the `{ type, data }` wrapper every peer message carries
// (spec.md §6: "newline-delimited JSON objects, each with { type, data }").
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a typed payload into an Envelope ready for framing.
func Encode(t MessageType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("network: encode %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Data: raw}, nil
}

// HandshakePayload is exchanged by both sides on connection open
// (spec.md §4.7).
type HandshakePayload struct {
	NodeID             string `json:"nodeId"`
	ProtocolVersion    int    `json:"protocolVersion"`
	MinProtocolVersion int    `json:"minProtocolVersion"`
	GraceUntilBlock    uint64 `json:"graceUntilBlock"`
	ChainID            string `json:"chainId"`
	GenesisHash        string `json:"genesisHash"`
	NodeVersion        string `json:"nodeVersion"`
	BlockHeight        uint64 `json:"blockHeight"`
	RewardAddress      string `json:"rewardAddress,omitempty"`
}

// VersionRejectPayload is sent when a peer's protocol version falls outside
// the acceptable grace window (spec.md §4.7).
type VersionRejectPayload struct {
	ErrorCode         string `json:"errorCode"`
	CurrentVersion    int    `json:"currentVersion"`
	RequiredVersion   int    `json:"requiredVersion"`
	GraceUntilBlock   uint64 `json:"graceUntilBlock"`
	RecommendedAction string `json:"recommendedAction"`
}

// QueryBlocksFromPayload requests a chunk of the canonical chain starting
// at a given height (spec.md §4.7).
type QueryBlocksFromPayload struct {
	StartIndex uint64 `json:"startIndex"`
	Limit      int    `json:"limit"`
}

// ResponseBlocksPayload carries a chunk of blocks plus pagination state
// (spec.md §4.7: "peers serve min(limit, maxBlocksPerRequest) blocks").
type ResponseBlocksPayload struct {
	Blocks      []*core.Block `json:"blocks"`
	HasMore     bool          `json:"hasMore"`
	TotalBlocks uint64        `json:"totalBlocks"`
}

// ResponseLatestPayload carries the sender's current tip.
type ResponseLatestPayload struct {
	Block *core.Block `json:"block"`
}

// ResponseChainPayload carries the sender's full chain in one message (the
// answer to QUERY_ALL); unlike RESPONSE_BLOCKS it is not chunked.
type ResponseChainPayload struct {
	Blocks []*core.Block `json:"blocks"`
}

// NewBlockPayload announces a freshly produced or received block.
type NewBlockPayload struct {
	Block *core.Block `json:"block"`
}

// NewTxPayload relays a mempool-admitted transaction to peers.
type NewTxPayload struct {
	Tx *core.Transaction `json:"tx"`
}
