package delegation

import "errors"

var (
	ErrNilState          = errors.New("delegation: state not configured")
	ErrMalformed         = errors.New("delegation: malformed payload")
	ErrInvalidSignature  = errors.New("delegation: signature does not match delegator")
	ErrExpired           = errors.New("delegation: expired")
	ErrUnauthorized      = errors.New("delegation: caller is not the delegator")
	ErrAlreadyStored     = errors.New("delegation: already stored")
	ErrNotFound          = errors.New("delegation: not found")
	ErrRevoked           = errors.New("delegation: revoked")
	ErrAlreadyRedeemed   = errors.New("delegation: already redeemed")
	ErrNotRedeemable     = errors.New("delegation: not redeemable")
	ErrStoreRateExceeded = errors.New("delegation: store rate exceeded")
)
