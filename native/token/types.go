package token

import (
	"fmt"
	"strings"
)

// ActorType classifies accounts on the reward ledger's actor registry.
type ActorType uint8

const (
	ActorUnset ActorType = iota
	ActorUser
	ActorCreator
)

func (a ActorType) String() string {
	switch a {
	case ActorUnset:
		return "unset"
	case ActorUser:
		return "user"
	case ActorCreator:
		return "creator"
	default:
		return fmt.Sprintf("actor(%d)", uint8(a))
	}
}

// Valid reports whether the value is a known actor type.
func (a ActorType) Valid() bool {
	return a <= ActorCreator
}

// ParseActorType maps the textual form back onto an ActorType.
func ParseActorType(raw string) (ActorType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unset":
		return ActorUnset, nil
	case "user":
		return ActorUser, nil
	case "creator":
		return ActorCreator, nil
	default:
		return ActorUnset, fmt.Errorf("token: unknown actor type %q", raw)
	}
}
