package delegation

import (
	"encoding/hex"
	"strconv"

	"tipledger/core/types"
	"tipledger/crypto"
)

const (
	EventTypeStored   = "delegation.stored"
	EventTypeRevoked  = "delegation.revoked"
	EventTypeRedeemed = "delegation.redeemed"
)

type Stored struct {
	Hash      [32]byte
	Delegator [20]byte
	Token     string
	Expiry    uint64
}

func (Stored) EventType() string { return EventTypeStored }

func (e Stored) Event() *types.Event {
	return &types.Event{
		Type: EventTypeStored,
		Attributes: map[string]string{
			"hash":      hex.EncodeToString(e.Hash[:]),
			"delegator": crypto.FormatAddress(e.Delegator),
			"token":     e.Token,
			"expiry":    strconv.FormatUint(e.Expiry, 10),
		},
	}
}

type Revoked struct {
	Hash      [32]byte
	Delegator [20]byte
}

func (Revoked) EventType() string { return EventTypeRevoked }

func (e Revoked) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRevoked,
		Attributes: map[string]string{
			"hash":      hex.EncodeToString(e.Hash[:]),
			"delegator": crypto.FormatAddress(e.Delegator),
		},
	}
}

type Redeemed struct {
	Hash      [32]byte
	Delegator [20]byte
}

func (Redeemed) EventType() string { return EventTypeRedeemed }

func (e Redeemed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRedeemed,
		Attributes: map[string]string{
			"hash":      hex.EncodeToString(e.Hash[:]),
			"delegator": crypto.FormatAddress(e.Delegator),
		},
	}
}
