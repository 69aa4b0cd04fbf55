package state

import (
	"fmt"

	"tipledger/native/delegation"
)

var delegationRecordPrefix = []byte("delegation/record/")

func delegationRecordKey(hash [32]byte) []byte {
	return append(append([]byte(nil), delegationRecordPrefix...), hash[:]...)
}

func (m *Manager) DelegationRecordGet(hash [32]byte) (*delegation.Record, bool, error) {
	var record delegation.Record
	ok, err := m.KVGet(delegationRecordKey(hash), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &record, true, nil
}

func (m *Manager) DelegationRecordPut(hash [32]byte, record *delegation.Record) error {
	if record == nil {
		return fmt.Errorf("delegation: record must not be nil")
	}
	return m.KVPut(delegationRecordKey(hash), record)
}
