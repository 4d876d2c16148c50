package signature

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_4f2a9d"

func TestVerify_ValidSignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"REF123","amount":200000}}`)

	sig := Compute(body, testSecret)
	require.True(t, Verify(body, sig, testSecret))
}

func TestVerify_TamperedBody(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"REF123","amount":200000}}`)
	sig := Compute(body, testSecret)

	tampered := []byte(`{"event":"charge.success","data":{"reference":"REF123","amount":900000}}`)
	require.False(t, Verify(tampered, sig, testSecret))
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)
	sig := Compute(body, "some-other-secret")

	require.False(t, Verify(body, sig, testSecret))
}

func TestVerify_MissingSignature(t *testing.T) {
	require.False(t, Verify([]byte(`{}`), "", testSecret))
}

func TestVerify_MalformedSignature(t *testing.T) {
	require.False(t, Verify([]byte(`{}`), "not-hex!!", testSecret))
}

func TestVerify_ReserializedBodyDoesNotMatch(t *testing.T) {
	// Same JSON value, different byte layout. The hash is over raw bytes,
	// so this must not verify.
	body := []byte(`{"event":"charge.success","data":{"reference":"REF123"}}`)
	reordered := []byte(`{"data":{"reference":"REF123"},"event":"charge.success"}`)

	sig := Compute(body, testSecret)
	require.False(t, Verify(reordered, sig, testSecret))
}
