package ledger

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

// AddressLength is the byte length of a ledger account address.
const AddressLength = 32

const (
	escrowSeedNamespace = "bounty-escrow:v1:"
	derivationMarker    = "ProgramDerivedAddress"
)

var ErrInvalidAddress = errors.New("ledger: invalid address")

// Address is a ledger account address, rendered as base58.
type Address [AddressLength]byte

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress strictly decodes a base58 address of exactly 32 bytes.
func ParseAddress(s string) (Address, error) {
	var out Address
	s = strings.TrimSpace(s)
	if len(s) < 32 || len(s) > 44 {
		return out, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(s))
	}
	raw := base58.Decode(s)
	if len(raw) != AddressLength {
		return out, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// MustParseAddress panics on malformed input. Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func IsValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// Program identifies the escrow program that owns bounty escrow accounts.
type Program struct {
	ID   Address
	Mint Address
}

// EscrowSeed is the stable hash of the namespaced bounty id string.
func EscrowSeed(bountyID uint) [32]byte {
	return sha256.Sum256([]byte(escrowSeedNamespace + strconv.FormatUint(uint64(bountyID), 10)))
}

// EscrowAuthority derives the program-owned authority for a bounty. The result
// depends only on the program id and the bounty id, so it can be recomputed
// at any time and no key material is stored.
func (p Program) EscrowAuthority(bountyID uint) (Address, uint8) {
	seed := EscrowSeed(bountyID)
	addr, bump, err := findProgramAddress([][]byte{seed[:]}, p.ID)
	if err != nil {
		// 256 consecutive on-curve hashes does not happen for sha256 output.
		panic(err)
	}
	return addr, bump
}

// EscrowTokenAccount derives the token account held by the escrow authority.
func (p Program) EscrowTokenAccount(bountyID uint) Address {
	authority, _ := p.EscrowAuthority(bountyID)
	addr, _, err := findProgramAddress([][]byte{authority[:], p.Mint[:]}, p.ID)
	if err != nil {
		panic(err)
	}
	return addr
}

func findProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte(derivationMarker))

		var candidate Address
		copy(candidate[:], h.Sum(nil))
		if !onCurve(candidate) {
			return candidate, uint8(bump), nil
		}
	}
	return Address{}, 0, errors.New("ledger: no off-curve program address found")
}

// onCurve reports whether b is a valid ed25519 point encoding. Program
// addresses must be off the curve so that no private key can sign for them.
func onCurve(b Address) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}
