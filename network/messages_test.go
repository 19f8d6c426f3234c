package network

import "testing"

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	payload := HandshakePayload{
		NodeID:          "peer-1",
		ProtocolVersion: 3,
		ChainID:         "lvenc-testnet",
		GenesisHash:     "deadbeef",
		BlockHeight:     42,
	}
	env, err := Encode(MsgHandshake, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Type != MsgHandshake {
		t.Fatalf("expected type %s, got %s", MsgHandshake, env.Type)
	}

	var decoded HandshakePayload
	if err := decode(env.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != payload {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, payload)
	}
}

func TestEncodeQueryBlocksFromPayload(t *testing.T) {
	env, err := Encode(MsgQueryBlocksFrom, QueryBlocksFromPayload{StartIndex: 10, Limit: 50})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded QueryBlocksFromPayload
	if err := decode(env.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.StartIndex != 10 || decoded.Limit != 50 {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}
