package hyperliquid

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a741b52d7c5d5095e2f"

func TestNewPrivateKeySigner(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", signer.GetAddress())

	_, err = NewPrivateKeySigner("")
	assert.Error(t, err)
	_, err = NewPrivateKeySigner("not-hex")
	assert.Error(t, err)
}

func TestSignRejectsBadDigestLength(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	_, err = signer.Sign([]byte("short"))
	assert.Error(t, err)
}

func TestBuildEIP712MessageDeterministic(t *testing.T) {
	action := Action{
		Type:     ActionTypeOrder,
		Grouping: "na",
		Orders: []orderPayload{{
			Asset:     1,
			IsBuy:     true,
			Price:     "100.5",
			Size:      "2.5",
			OrderType: orderTypePayload{Limit: &limitPayload{TIF: "Alo"}},
		}},
	}
	first, err := buildEIP712Message(action, 1700000000000, "", true)
	require.NoError(t, err)
	require.Len(t, first, 32)

	again, err := buildEIP712Message(action, 1700000000000, "", true)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(first), hex.EncodeToString(again))

	// Nonce, network and vault all perturb the digest.
	other, err := buildEIP712Message(action, 1700000000001, "", true)
	require.NoError(t, err)
	assert.NotEqual(t, hex.EncodeToString(first), hex.EncodeToString(other))

	testnet, err := buildEIP712Message(action, 1700000000000, "", false)
	require.NoError(t, err)
	assert.NotEqual(t, hex.EncodeToString(first), hex.EncodeToString(testnet))
}

func TestBuildEIP712MessageValidation(t *testing.T) {
	action := Action{Type: ActionTypeCancel}
	_, err := buildEIP712Message(action, 0, "", true)
	assert.Error(t, err)
	_, err = buildEIP712Message(action, 1, "not-an-address", true)
	assert.Error(t, err)
}

func TestConvertStr16ToStr8(t *testing.T) {
	// str16 header with a short payload collapses to str8.
	input := []byte{0xda, 0x00, 0x03, 'a', 'b', 'c'}
	out := convertStr16ToStr8(input)
	assert.Equal(t, []byte{0xd9, 0x03, 'a', 'b', 'c'}, out)

	// Anything else passes through untouched.
	passthrough := []byte{0x81, 0xa3, 'k', 'e', 'y', 0xc3}
	assert.Equal(t, passthrough, convertStr16ToStr8(passthrough))
}

func TestSignActionProducesSignature(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)

	req, err := signAction(Action{Type: ActionTypeCancel}, signer, 1700000000000, "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), req.Nonce)
	assert.True(t, len(req.Signature.R) == 66 && len(req.Signature.S) == 66)
	assert.Contains(t, []int{27, 28}, req.Signature.V)
}
