package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b + byte(i)
	}
	return a
}

func testProgram() Program {
	return Program{ID: testAddress(7), Mint: testAddress(11)}
}

func TestParseAddressRoundTrip(t *testing.T) {
	a := testAddress(3)
	parsed, err := ParseAddress("  " + a.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"short":        "abc",
		"bad alphabet": "0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl",
		"too long":     "1111111111111111111111111111111111111111111111111",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAddress(in)
			assert.ErrorIs(t, err, ErrInvalidAddress)
			assert.False(t, IsValidAddress(in))
		})
	}
}

func TestEscrowAuthorityIsDeterministic(t *testing.T) {
	p := testProgram()
	a1, bump1 := p.EscrowAuthority(42)
	a2, bump2 := p.EscrowAuthority(42)
	assert.Equal(t, a1, a2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, onCurve(a1), "derived authority must not be a signable key")

	other, _ := p.EscrowAuthority(43)
	assert.NotEqual(t, a1, other)

	p2 := Program{ID: testAddress(9), Mint: p.Mint}
	moved, _ := p2.EscrowAuthority(42)
	assert.NotEqual(t, a1, moved, "program id is part of the derivation")
}

func TestEscrowTokenAccountDependsOnMint(t *testing.T) {
	p := testProgram()
	acct := p.EscrowTokenAccount(5)
	assert.Equal(t, acct, p.EscrowTokenAccount(5))

	p.Mint = testAddress(40)
	assert.NotEqual(t, acct, p.EscrowTokenAccount(5))
}

func TestEscrowSeedNamespaced(t *testing.T) {
	assert.NotEqual(t, EscrowSeed(1), EscrowSeed(10))
	assert.Equal(t, EscrowSeed(77), EscrowSeed(77))
}
