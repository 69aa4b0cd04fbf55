package delegation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"tipledger/crypto"
)

// Selector identifies the ledger operation a delegation authorises.
type Selector [4]byte

// SelectorOf derives the selector from a canonical method signature.
func SelectorOf(signature string) Selector {
	var out Selector
	digest := crypto.Keccak256([]byte(signature))
	copy(out[:], digest[:4])
	return out
}

// OperatorTransferSelector authorises an operator transfer of the
// delegator's funds.
var OperatorTransferSelector = SelectorOf("operatorTransfer(address,address,uint256)")

// Delegation is a signed, single-use permission for Delegate to move up to
// MaxAmount of Token out of the Delegator's account.
type Delegation struct {
	Delegator [20]byte
	Delegate  [20]byte
	Token     string
	Selector  Selector
	MaxAmount *big.Int
	Expiry    uint64
	Salt      uint64
	Signature []byte
}

type unsignedDelegation struct {
	Delegator [20]byte
	Delegate  [20]byte
	Token     string
	Selector  Selector
	MaxAmount *big.Int
	Expiry    uint64
	Salt      uint64
}

func (d *Delegation) unsigned() unsignedDelegation {
	maxAmount := d.MaxAmount
	if maxAmount == nil {
		maxAmount = big.NewInt(0)
	}
	return unsignedDelegation{
		Delegator: d.Delegator,
		Delegate:  d.Delegate,
		Token:     strings.ToUpper(strings.TrimSpace(d.Token)),
		Selector:  d.Selector,
		MaxAmount: maxAmount,
		Expiry:    d.Expiry,
		Salt:      d.Salt,
	}
}

// ValidateBasic performs stateless field checks.
func (d *Delegation) ValidateBasic() error {
	if d == nil {
		return ErrMalformed
	}
	var zero [20]byte
	if d.Delegator == zero || d.Delegate == zero {
		return fmt.Errorf("%w: delegator and delegate required", ErrMalformed)
	}
	if strings.TrimSpace(d.Token) == "" {
		return fmt.Errorf("%w: token required", ErrMalformed)
	}
	if d.MaxAmount == nil || d.MaxAmount.Sign() <= 0 {
		return fmt.Errorf("%w: max amount must be positive", ErrMalformed)
	}
	if d.Expiry == 0 {
		return fmt.Errorf("%w: expiry required", ErrMalformed)
	}
	return nil
}

// Hash returns the keccak256 digest of the unsigned fields. It is both the
// signing digest and the delegation's identity.
func (d *Delegation) Hash() ([32]byte, error) {
	encoded, err := rlp.EncodeToBytes(d.unsigned())
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256(encoded), nil
}

// Sign attaches the delegator's signature. The key must belong to Delegator.
func (d *Delegation) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("delegation: nil signing key")
	}
	if key.PubKey().Address().Array() != d.Delegator {
		return ErrInvalidSignature
	}
	digest, err := d.Hash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// VerifySignature checks the signature recovers to Delegator.
func (d *Delegation) VerifySignature() error {
	digest, err := d.Hash()
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverSigner(digest, d.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if signer != d.Delegator {
		return ErrInvalidSignature
	}
	return nil
}

// Covers reports whether the delegation authorises the requested movement.
func (d *Delegation) Covers(delegator, delegate [20]byte, token string, selector Selector, amount *big.Int) bool {
	if d.Delegator != delegator || d.Delegate != delegate || d.Selector != selector {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(d.Token), strings.TrimSpace(token)) {
		return false
	}
	if amount == nil || amount.Sign() <= 0 || d.MaxAmount == nil {
		return false
	}
	return amount.Cmp(d.MaxAmount) <= 0
}

// Encode serialises the delegation, signature included.
func Encode(d *Delegation) ([]byte, error) {
	if d == nil {
		return nil, ErrMalformed
	}
	return rlp.EncodeToBytes(d)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (*Delegation, error) {
	if len(payload) == 0 {
		return nil, ErrMalformed
	}
	var d Delegation
	if err := rlp.DecodeBytes(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &d, nil
}
