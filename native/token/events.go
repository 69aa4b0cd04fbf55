package token

import (
	"math/big"

	"tipledger/core/types"
	"tipledger/crypto"
)

const (
	EventTypeMinted      = "token.minted"
	EventTypeBurned      = "token.burned"
	EventTypeTransferred = "token.transferred"
	EventTypeActorSet    = "token.actor.set"
)

type Minted struct {
	Token  string
	To     [20]byte
	Amount *big.Int
}

func (Minted) EventType() string { return EventTypeMinted }

func (e Minted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"token":  e.Token,
			"to":     crypto.FormatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

type Burned struct {
	Token  string
	From   [20]byte
	Amount *big.Int
}

func (Burned) EventType() string { return EventTypeBurned }

func (e Burned) Event() *types.Event {
	return &types.Event{
		Type: EventTypeBurned,
		Attributes: map[string]string{
			"token":  e.Token,
			"from":   crypto.FormatAddress(e.From),
			"amount": formatAmount(e.Amount),
		},
	}
}

// Transferred covers both owner-consented and operator transfers.
type Transferred struct {
	Token    string
	From     [20]byte
	To       [20]byte
	Amount   *big.Int
	Operator bool
}

func (Transferred) EventType() string { return EventTypeTransferred }

func (e Transferred) Event() *types.Event {
	operator := "false"
	if e.Operator {
		operator = "true"
	}
	return &types.Event{
		Type: EventTypeTransferred,
		Attributes: map[string]string{
			"token":    e.Token,
			"from":     crypto.FormatAddress(e.From),
			"to":       crypto.FormatAddress(e.To),
			"amount":   formatAmount(e.Amount),
			"operator": operator,
		},
	}
}

type ActorSet struct {
	Account [20]byte
	Actor   ActorType
}

func (ActorSet) EventType() string { return EventTypeActorSet }

func (e ActorSet) Event() *types.Event {
	return &types.Event{
		Type: EventTypeActorSet,
		Attributes: map[string]string{
			"account": crypto.FormatAddress(e.Account),
			"actor":   e.Actor.String(),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
