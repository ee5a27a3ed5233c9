package holdemledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/decred/dcrd/dcrutil/v4"
	"golang.org/x/crypto/sha3"
)

// payloadTag domain-separates settlement payload digests from any other
// blake256 use.
const payloadTag = "HoldemLedger/SessionOpen/v1"

// AllocationEntry is one participant's entitlement in ledger base units
// (atoms). The full vector always sums to the session's total deposit.
type AllocationEntry struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// SessionDefinition names the participants and fixed economics of a
// settlement session. Players are listed in participant order and hold zero
// quorum weight; the coordinator holds full weight and is pinned to a zero
// allocation.
type SessionDefinition struct {
	RoomID       string   `json:"room_id"`
	Coordinator  string   `json:"coordinator"`
	Players      []string `json:"players"`
	TotalDeposit int64    `json:"total_deposit"`
	ChipUnit     float64  `json:"chip_unit"`
}

// openPayload is the exact structure every signer co-signs. Field order is
// fixed so the serialization is byte-stable for a given definition.
type openPayload struct {
	Version            int               `json:"version"`
	Definition         SessionDefinition `json:"definition"`
	InitialAllocations []AllocationEntry `json:"initial_allocations"`
}

// EncodeOpenPayload serializes the session definition and initial allocation
// vector into the canonical byte string that all participants sign. The same
// inputs always produce the same bytes.
func EncodeOpenPayload(def SessionDefinition, allocs []AllocationEntry) ([]byte, error) {
	return json.Marshal(openPayload{
		Version:            1,
		Definition:         def,
		InitialAllocations: allocs,
	})
}

// PayloadDigest returns the 32-byte digest signers actually sign.
func PayloadDigest(payload []byte) [32]byte {
	h := blake256.New()
	h.Write([]byte(payloadTag))
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignPayload produces the coordinator's schnorr signature over the payload
// digest using a 32-byte hex-encoded private key.
func SignPayload(privHex string, payload []byte) ([]byte, error) {
	kb, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil || len(kb) != 32 {
		return nil, fmt.Errorf("invalid private key: expected 64 hex chars (32 bytes)")
	}
	priv := secp256k1.PrivKeyFromBytes(kb)
	digest := PayloadDigest(payload)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig.Serialize(), nil
}

// VerifyPayloadSig checks a schnorr signature over the payload digest against
// a 33-byte compressed pubkey.
func VerifyPayloadSig(comp33, payload, sig []byte) bool {
	pub, err := schnorr.ParsePubKey(comp33)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	digest := PayloadDigest(payload)
	return s.Verify(digest[:], pub)
}

// ChipsToAtoms converts a chip count to ledger base units using the room's
// chip-to-value unit. The conversion rounds exactly once; callers must not
// re-round the result.
func ChipsToAtoms(chips int64, chipUnit float64) (dcrutil.Amount, error) {
	amt, err := dcrutil.NewAmount(float64(chips) * chipUnit)
	if err != nil {
		return 0, fmt.Errorf("convert %d chips at unit %v: %w", chips, chipUnit, err)
	}
	return amt, nil
}

// TotalDeposit computes the fixed session deposit: buy-in value times the
// number of players, rounded once to atom precision.
func TotalDeposit(buyInChips int64, chipUnit float64, numPlayers int) (dcrutil.Amount, error) {
	amt, err := dcrutil.NewAmount(float64(buyInChips) * chipUnit * float64(numPlayers))
	if err != nil {
		return 0, fmt.Errorf("total deposit: %w", err)
	}
	return amt, nil
}

// CanonicalAddress normalizes a participant address to its checksum form.
// Hex addresses ("0x" + 40 hex chars) get the keccak-based mixed-case
// checksum; anything else is treated as opaque and only trimmed. Comparisons
// between addresses must go through SameAddress, never raw string equality.
func CanonicalAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if len(a) != 42 || (a[:2] != "0x" && a[:2] != "0X") {
		return a
	}
	body := strings.ToLower(a[2:])
	if _, err := hex.DecodeString(body); err != nil {
		return a
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(body))
	sum := h.Sum(nil)
	out := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 'a' && c <= 'f' {
			nibble := sum[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// SameAddress reports whether two addresses name the same participant,
// ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
