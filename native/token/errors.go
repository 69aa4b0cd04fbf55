package token

import "errors"

var (
	ErrNilState          = errors.New("token: state not configured")
	ErrUnauthorized      = errors.New("token: unauthorized")
	ErrInvalidAmount     = errors.New("token: amount must be positive")
	ErrInsufficientFunds = errors.New("token: insufficient balance")
	ErrBalanceOverflow   = errors.New("token: balance overflow")
	ErrInvalidActorType  = errors.New("token: invalid actor type")
	ErrSelfTransfer      = errors.New("token: sender and recipient must differ")
)
