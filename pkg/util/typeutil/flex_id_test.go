package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
)

func TestFlexIDUnmarshal(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  FlexID
	}{
		{"number", `42`, 42},
		{"string", `"42"`, 42},
		{"large string", `"18446744073709551615"`, FlexID(^uint64(0))},
		{"large number", `1152921504606846977`, 1152921504606846977},
		{"null", `null`, 0},
		{"empty string", `""`, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var id FlexID
			require.NoError(t, id.UnmarshalJSON([]byte(c.input)))
			assert.Equal(t, c.want, id)
		})
	}
}

func TestFlexIDUnmarshalInvalid(t *testing.T) {
	var id FlexID
	assert.Error(t, id.UnmarshalJSON([]byte(`"abc"`)))
	assert.Error(t, id.UnmarshalJSON([]byte(`-1`)))
	assert.Error(t, id.UnmarshalJSON([]byte(`1.5`)))
}

func TestFlexIDMarshal(t *testing.T) {
	out, err := FlexID(1152921504606846977).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1152921504606846977"`, string(out))

	type envelope struct {
		ID FlexID `json:"id"`
	}
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"id":7}`), &env))
	assert.Equal(t, uint64(7), env.ID.Uint64())
	assert.Equal(t, "7", env.ID.String())
}
