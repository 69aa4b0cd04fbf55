package state

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	tokenBalancePrefix = []byte("token/balance/")
	tokenSupplyPrefix  = []byte("token/supply/")
	tokenActorPrefix   = []byte("token/actor/")
)

func tokenBalanceKey(symbol string, addr [20]byte) []byte {
	key := append([]byte(nil), tokenBalancePrefix...)
	key = append(key, strings.ToUpper(symbol)...)
	key = append(key, '/')
	return append(key, addr[:]...)
}

func tokenSupplyKey(symbol string) []byte {
	return append(append([]byte(nil), tokenSupplyPrefix...), strings.ToUpper(symbol)...)
}

func tokenActorKey(addr [20]byte) []byte {
	return append(append([]byte(nil), tokenActorPrefix...), addr[:]...)
}

// TokenBalanceGet returns the balance, nil when the account never held the
// token.
func (m *Manager) TokenBalanceGet(symbol string, addr [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(tokenBalanceKey(symbol, addr), balance)
	if err != nil || !ok {
		return nil, err
	}
	return balance, nil
}

func (m *Manager) TokenBalancePut(symbol string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: invalid balance for %s", symbol)
	}
	return m.KVPut(tokenBalanceKey(symbol, addr), amount)
}

func (m *Manager) TokenSupplyGet(symbol string) (*big.Int, error) {
	supply := new(big.Int)
	ok, err := m.KVGet(tokenSupplyKey(symbol), supply)
	if err != nil || !ok {
		return nil, err
	}
	return supply, nil
}

func (m *Manager) TokenSupplyPut(symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: invalid supply for %s", symbol)
	}
	return m.KVPut(tokenSupplyKey(symbol), amount)
}

func (m *Manager) TokenActorGet(addr [20]byte) (uint8, error) {
	var actor uint8
	if _, err := m.KVGet(tokenActorKey(addr), &actor); err != nil {
		return 0, err
	}
	return actor, nil
}

func (m *Manager) TokenActorPut(addr [20]byte, actor uint8) error {
	return m.KVPut(tokenActorKey(addr), actor)
}
