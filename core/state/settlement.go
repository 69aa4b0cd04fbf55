package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"tipledger/native/common"
	"tipledger/native/settlement"
)

var (
	settlementParamsKey       = []byte("settlement/params")
	settlementRolesKey        = []byte("settlement/roles")
	settlementStatusKey       = []byte("settlement/status")
	settlementAccrualKey      = []byte("settlement/accrual")
	settlementAccountsKey     = []byte("settlement/accounts")
	settlementReservationsKey = []byte("settlement/reservations")
	settlementIntentCountKey  = []byte("settlement/intent-count")
	settlementAccountPrefix   = []byte("settlement/account/")
	settlementReservedPrefix  = []byte("settlement/reserved/")
	settlementIntentPrefix    = []byte("settlement/intent/")
	settlementQuotaPrefix     = []byte("settlement/quota/")
)

func settlementAccountKey(addr [20]byte) []byte {
	return append(append([]byte(nil), settlementAccountPrefix...), addr[:]...)
}

func reservationID(addr [20]byte, token string) []byte {
	out := make([]byte, 0, 20+len(token))
	out = append(out, addr[:]...)
	return append(out, token...)
}

func settlementReservedKey(addr [20]byte, token string) []byte {
	return append(append([]byte(nil), settlementReservedPrefix...), reservationID(addr, token)...)
}

func settlementIntentKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), settlementIntentPrefix...), buf[:]...)
}

func settlementQuotaKey(addr [20]byte) []byte {
	return append(append([]byte(nil), settlementQuotaPrefix...), addr[:]...)
}

// SettlementParamsGet returns the stored parameter set.
func (m *Manager) SettlementParamsGet() (*settlement.Params, bool, error) {
	var params settlement.Params
	ok, err := m.KVGet(settlementParamsKey, &params)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &params, true, nil
}

// SettlementParamsPut stores the parameter set.
func (m *Manager) SettlementParamsPut(params *settlement.Params) error {
	if params == nil {
		return fmt.Errorf("settlement: params must not be nil")
	}
	return m.KVPut(settlementParamsKey, params)
}

func (m *Manager) SettlementRolesGet() (*settlement.Roles, bool, error) {
	var roles settlement.Roles
	ok, err := m.KVGet(settlementRolesKey, &roles)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &roles, true, nil
}

func (m *Manager) SettlementRolesPut(roles *settlement.Roles) error {
	if roles == nil {
		return fmt.Errorf("settlement: roles must not be nil")
	}
	return m.KVPut(settlementRolesKey, roles)
}

func (m *Manager) SettlementStatusGet() (*settlement.Status, bool, error) {
	var status settlement.Status
	ok, err := m.KVGet(settlementStatusKey, &status)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &status, true, nil
}

func (m *Manager) SettlementStatusPut(status *settlement.Status) error {
	if status == nil {
		return fmt.Errorf("settlement: status must not be nil")
	}
	return m.KVPut(settlementStatusKey, status)
}

func (m *Manager) SettlementAccrualGet() (*settlement.GlobalAccrual, bool, error) {
	var acc settlement.GlobalAccrual
	ok, err := m.KVGet(settlementAccrualKey, &acc)
	if err != nil || !ok {
		return nil, ok, err
	}
	if acc.Index == nil {
		acc.Index = big.NewInt(0)
	}
	return &acc, true, nil
}

func (m *Manager) SettlementAccrualPut(acc *settlement.GlobalAccrual) error {
	if acc == nil {
		return fmt.Errorf("settlement: accrual must not be nil")
	}
	return m.KVPut(settlementAccrualKey, acc)
}

// SettlementAccountIndexGet returns the account's last credited index.
func (m *Manager) SettlementAccountIndexGet(account [20]byte) (*big.Int, bool, error) {
	index := new(big.Int)
	ok, err := m.KVGet(settlementAccountKey(account), index)
	if err != nil || !ok {
		return nil, ok, err
	}
	return index, true, nil
}

// SettlementAccountIndexPut records the account's index and adds the account
// to the tracked set.
func (m *Manager) SettlementAccountIndexPut(account [20]byte, index *big.Int) error {
	if index == nil {
		index = big.NewInt(0)
	}
	if err := m.KVPut(settlementAccountKey(account), index); err != nil {
		return err
	}
	return m.KVAppend(settlementAccountsKey, account[:])
}

// SettlementAccounts lists every account with an accrual record.
func (m *Manager) SettlementAccounts() ([][20]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(settlementAccountsKey, &raw); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			return nil, fmt.Errorf("settlement: malformed account index entry")
		}
		var addr [20]byte
		copy(addr[:], entry)
		out = append(out, addr)
	}
	return out, nil
}

// SettlementReservedGet returns the reserved amount, zero when absent.
func (m *Manager) SettlementReservedGet(account [20]byte, token string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(settlementReservedKey(account, token), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) SettlementReservedPut(account [20]byte, token string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("settlement: negative reservation")
	}
	if err := m.KVPut(settlementReservedKey(account, token), amount); err != nil {
		return err
	}
	return m.KVAppend(settlementReservationsKey, reservationID(account, token))
}

// SettlementReservations lists every reservation key ever written.
func (m *Manager) SettlementReservations() ([]settlement.ReservationKey, error) {
	var raw [][]byte
	if err := m.KVGetList(settlementReservationsKey, &raw); err != nil {
		return nil, err
	}
	out := make([]settlement.ReservationKey, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 20 {
			return nil, fmt.Errorf("settlement: malformed reservation index entry")
		}
		var key settlement.ReservationKey
		copy(key.Account[:], entry[:20])
		key.Token = string(entry[20:])
		out = append(out, key)
	}
	return out, nil
}

func (m *Manager) SettlementIntentCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(settlementIntentCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Manager) SettlementIntentGet(id uint64) (*settlement.Intent, bool, error) {
	var intent settlement.Intent
	ok, err := m.KVGet(settlementIntentKey(id), &intent)
	if err != nil || !ok {
		return nil, ok, err
	}
	if intent.Amount == nil {
		intent.Amount = big.NewInt(0)
	}
	return &intent, true, nil
}

// SettlementIntentPut stores the intent. Writing ID == count appends; IDs
// beyond the end of the sequence are rejected.
func (m *Manager) SettlementIntentPut(intent *settlement.Intent) error {
	if intent == nil {
		return fmt.Errorf("settlement: intent must not be nil")
	}
	count, err := m.SettlementIntentCount()
	if err != nil {
		return err
	}
	if intent.ID > count {
		return fmt.Errorf("settlement: intent %d beyond sequence end %d", intent.ID, count)
	}
	if err := m.KVPut(settlementIntentKey(intent.ID), intent); err != nil {
		return err
	}
	if intent.ID == count {
		return m.KVPut(settlementIntentCountKey, count+1)
	}
	return nil
}

func (m *Manager) SettlementQuotaGet(account [20]byte) (*common.QuotaNow, bool, error) {
	var usage common.QuotaNow
	ok, err := m.KVGet(settlementQuotaKey(account), &usage)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &usage, true, nil
}

func (m *Manager) SettlementQuotaPut(account [20]byte, usage *common.QuotaNow) error {
	if usage == nil {
		return fmt.Errorf("settlement: quota usage must not be nil")
	}
	return m.KVPut(settlementQuotaKey(account), usage)
}
