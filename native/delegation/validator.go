package delegation

import (
	"context"
	"errors"
	"math/big"
)

// Validator decides whether an encoded delegation authorises a movement of
// funds out of the delegator's account.
type Validator interface {
	IsDelegationValid(ctx context.Context, delegator [20]byte, token string, selector Selector, amount *big.Int, payload []byte) (bool, error)
	HashDelegation(payload []byte) ([32]byte, error)
}

// Redeemer is implemented by validators that enforce single use.
type Redeemer interface {
	RedeemDelegation(ctx context.Context, payload []byte) error
	RedeemDelegations(ctx context.Context, payloads [][]byte) error
}

// Revoker is implemented by validators that let delegators withdraw a
// delegation before it is used.
type Revoker interface {
	RevokeDelegation(ctx context.Context, caller [20]byte, hash [32]byte) error
	IsRevoked(ctx context.Context, hash [32]byte) (bool, error)
}

// SignatureValidator accepts any correctly signed, unexpired delegation
// addressed to its delegate. It keeps no state, so a delegation can be used
// until it expires.
type SignatureValidator struct {
	delegate [20]byte
	nowFn    func() int64
}

// NewSignatureValidator constructs a stateless validator for the delegate.
func NewSignatureValidator(delegate [20]byte, nowFn func() int64) *SignatureValidator {
	return &SignatureValidator{delegate: delegate, nowFn: nowFn}
}

// IsDelegationValid implements Validator.
func (v *SignatureValidator) IsDelegationValid(_ context.Context, delegator [20]byte, token string, selector Selector, amount *big.Int, payload []byte) (bool, error) {
	d, err := Decode(payload)
	if err != nil {
		return false, nil
	}
	if err := checkSigned(d, v.now()); err != nil {
		return false, nil
	}
	return d.Covers(delegator, v.delegate, token, selector, amount), nil
}

// HashDelegation implements Validator.
func (v *SignatureValidator) HashDelegation(payload []byte) ([32]byte, error) {
	return hashPayload(payload)
}

func (v *SignatureValidator) now() int64 {
	if v.nowFn == nil {
		return 0
	}
	return v.nowFn()
}

func checkSigned(d *Delegation, now int64) error {
	if err := d.ValidateBasic(); err != nil {
		return err
	}
	if err := d.VerifySignature(); err != nil {
		return err
	}
	if now >= 0 && uint64(now) >= d.Expiry {
		return ErrExpired
	}
	return nil
}

func hashPayload(payload []byte) ([32]byte, error) {
	d, err := Decode(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return d.Hash()
}

// IsInvalid reports whether err describes a delegation that is simply not
// usable, as opposed to a storage failure.
func IsInvalid(err error) bool {
	for _, target := range []error{ErrMalformed, ErrInvalidSignature, ErrExpired, ErrNotFound, ErrRevoked, ErrAlreadyRedeemed, ErrNotRedeemable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
