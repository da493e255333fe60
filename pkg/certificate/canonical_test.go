package certificate

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestCanonicalize_NestedSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonicalize_NegativeZero(t *testing.T) {
	b, err := Canonicalize(map[string]any{"a": math.Copysign(0, -1)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":0}`, string(b))
}

func TestCanonicalize_RejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]any{"a": math.NaN()})
	assert.Error(t, err)

	_, err = Canonicalize(map[string]any{"a": math.Inf(1)})
	assert.Error(t, err)
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	b, err := Canonicalize(map[string]string{"html": "<script> &"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script> &"}`, string(b))
}

func TestCanonicalize_NullArrayElements(t *testing.T) {
	b, err := Canonicalize(map[string]any{"a": []any{nil, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[null,1]}`, string(b))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same object always hashes the same", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}

			h1, err1 := CanonicalHash(obj)
			h2, err2 := CanonicalHash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("key insertion order does not change the hash", prop.ForAll(
		func(a, b, c int) bool {
			x := map[string]any{"a": a, "b": b, "c": c}
			y := map[string]any{"c": c, "a": a, "b": b}
			h1, err1 := CanonicalHash(x)
			h2, err2 := CanonicalHash(y)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.Int(), gen.Int(), gen.Int(),
	))

	properties.TestingRun(t)
}

func TestSigningHash_ExcludesSignature(t *testing.T) {
	cert := testCertificate()

	before, err := SigningHash(cert)
	require.NoError(t, err)

	signer, err := NewSigner("test-key")
	require.NoError(t, err)
	require.NoError(t, signer.Sign(cert))

	after, err := SigningHash(cert)
	require.NoError(t, err)
	assert.Equal(t, before, after, "attaching a signature must not change the signing hash")

	full, err := CanonicalHash(cert)
	require.NoError(t, err)
	assert.NotEqual(t, before, full, "full canonical hash covers the signature block")
}

func TestCanonicalize_CertificateStable(t *testing.T) {
	cert := testCertificate()

	b1, err := Canonicalize(cert)
	require.NoError(t, err)

	// Round-trip through generic JSON and canonicalize again.
	var generic any
	require.NoError(t, json.Unmarshal(b1, &generic))
	b2, err := Canonicalize(generic)
	require.NoError(t, err)

	assert.Equal(t, string(b1), string(b2))
}
