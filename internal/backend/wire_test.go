package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

func TestEncodeRequest(t *testing.T) {
	codec := JSONCodec{}
	frame, err := codec.EncodeRequest(Request{
		SessionID: "42-10",
		GameType:  "blackjack",
		PlayerID:  18446744073709551615,
		Payload:   []byte("draw"),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(frame, &doc))
	assert.Equal(t, "request", doc["kind"])
	assert.Equal(t, "42-10", doc["session_id"])
	assert.Equal(t, "blackjack", doc["game_type"])
	// 64 位 ID 以字符串输出，避免精度丢失。
	assert.Equal(t, "18446744073709551615", doc["player_id"])
	assert.Equal(t, "draw", doc["payload"])
	assert.Equal(t, ProtocolVersion, doc["protocol"])

	req, err := codec.DecodeRequest(frame)
	require.NoError(t, err)
	assert.EqualValues(t, uint64(18446744073709551615), req.PlayerID)
	assert.Equal(t, []byte("draw"), req.Payload)
}

func TestDecodeResponse(t *testing.T) {
	codec := JSONCodec{}

	t.Run("text payload", func(t *testing.T) {
		resp, err := codec.DecodeResponse([]byte(`{"kind":"response","session_id":"g1","payload":"dealer shows 7","protocol":"1.2.0"}`))
		require.NoError(t, err)
		assert.Equal(t, "g1", resp.SessionID)
		assert.Equal(t, "dealer shows 7", string(resp.Payload))
	})

	t.Run("object payload", func(t *testing.T) {
		resp, err := codec.DecodeResponse([]byte(`{"session_id":"g1","payload":{"state":"ending"}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":"ending"}`, string(resp.Payload))
	})

	t.Run("numeric session id", func(t *testing.T) {
		resp, err := codec.DecodeResponse([]byte(`{"session_id":12345,"payload":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, "12345", resp.SessionID)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := codec.DecodeResponse([]byte(`{"payload":"x"}`))
		assert.ErrorIs(t, err, merr.ErrParameterMissing)
	})

	t.Run("major version mismatch", func(t *testing.T) {
		_, err := codec.DecodeResponse([]byte(`{"session_id":"g1","payload":"x","protocol":"2.0.0"}`))
		assert.ErrorIs(t, err, merr.ErrProtocolMismatch)
	})

	t.Run("garbage version", func(t *testing.T) {
		_, err := codec.DecodeResponse([]byte(`{"session_id":"g1","payload":"x","protocol":"latest"}`))
		assert.ErrorIs(t, err, merr.ErrProtocolMismatch)
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := codec.DecodeResponse([]byte(`{"kind":"request","session_id":"g1","payload":"x"}`))
		assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := codec.DecodeResponse([]byte(`dealer shows 7`))
		assert.Error(t, err)
	})
}

func TestEncodeResponse(t *testing.T) {
	codec := JSONCodec{}
	for _, payload := range []string{"plain text", `{"state":"ending"}`, `[1,2,3]`} {
		frame, err := codec.EncodeResponse(Response{SessionID: "g1", Payload: []byte(payload)})
		require.NoError(t, err)
		resp, err := codec.DecodeResponse(frame)
		require.NoError(t, err)
		assert.Equal(t, "g1", resp.SessionID)
		assert.Equal(t, payload, string(resp.Payload))
	}
}

func TestKindText(t *testing.T) {
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("response")))
	assert.Equal(t, KindResponse, k)
	assert.Error(t, k.UnmarshalText([]byte("push")))
	assert.Equal(t, "unknown", Kind(7).String())
}
