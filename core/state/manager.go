package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"tipledger/core/events"
	"tipledger/storage"
)

var (
	// ErrUnknownSavepoint is returned when a savepoint id does not match the
	// innermost open savepoint.
	ErrUnknownSavepoint = errors.New("state: unknown savepoint")
)

// Manager provides typed access to ledger state persisted in a key/value
// store. Writes are buffered in memory and only reach the underlying database
// once the outermost savepoint commits, which lets callers abort a whole
// operation without leaving partial records behind.
//
// Savepoints nest: Begin pushes, Rollback and Commit pop. Manager serialises
// access to its buffers but savepoints are not safe to interleave across
// goroutines; callers are expected to run one operation at a time.
//
// Events emitted through Emitter follow the same rules as writes: they are
// held while a savepoint is open, dropped on rollback and delivered to the
// sink once the outermost savepoint commits.
type Manager struct {
	mu         sync.Mutex
	db         storage.Database
	dirty      map[string][]byte
	pending    []events.Event
	savepoints []savepoint
	sink       events.Emitter
}

type savepoint struct {
	dirty  map[string][]byte
	events int
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string][]byte), sink: events.NoopEmitter{}}
}

// SetEventSink configures where committed events are delivered.
func (m *Manager) SetEventSink(sink events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink == nil {
		sink = events.NoopEmitter{}
	}
	m.sink = sink
}

// Emitter returns an emitter whose events are bound to the journal.
func (m *Manager) Emitter() events.Emitter {
	return journalEmitter{m: m}
}

type journalEmitter struct {
	m *Manager
}

func (e journalEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m := e.m
	m.mu.Lock()
	if len(m.savepoints) > 0 {
		m.pending = append(m.pending, evt)
		m.mu.Unlock()
		return
	}
	sink := m.sink
	m.mu.Unlock()
	sink.Emit(evt)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func copyDirty(src map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Begin opens a savepoint and returns its identifier.
func (m *Manager) Begin() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savepoints = append(m.savepoints, savepoint{dirty: copyDirty(m.dirty), events: len(m.pending)})
	return len(m.savepoints) - 1
}

// Rollback discards every write made since the savepoint was opened.
func (m *Manager) Rollback(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.savepoints) {
		return
	}
	sp := m.savepoints[id]
	m.dirty = sp.dirty
	m.pending = m.pending[:sp.events]
	m.savepoints = m.savepoints[:id]
}

// Commit closes the savepoint. When it is the outermost savepoint the buffered
// writes are flushed to the database in a single batch and pending events are
// delivered. If that flush fails the savepoint is rolled back instead.
func (m *Manager) Commit(id int) error {
	m.mu.Lock()
	if id != len(m.savepoints)-1 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSavepoint, id)
	}
	sp := m.savepoints[id]
	m.savepoints = m.savepoints[:id]
	if len(m.savepoints) > 0 {
		m.mu.Unlock()
		return nil
	}
	if err := m.flushLocked(); err != nil {
		// A failed flush aborts the operation: its writes must not ride
		// along with a later flush.
		m.dirty = sp.dirty
		m.pending = m.pending[:sp.events]
		m.mu.Unlock()
		return err
	}
	delivered := m.pending
	m.pending = nil
	sink := m.sink
	m.mu.Unlock()
	for _, evt := range delivered {
		sink.Emit(evt)
	}
	return nil
}

// Depth reports the number of open savepoints.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.savepoints)
}

// Flush writes buffered changes made outside any savepoint.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.savepoints) > 0 {
		return nil
	}
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if len(m.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := m.db.NewBatch()
	for _, k := range keys {
		if v := m.dirty[k]; v == nil {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), v)
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	m.dirty = make(map[string][]byte)
	return nil
}

func (m *Manager) get(hashed []byte) ([]byte, error) {
	m.mu.Lock()
	if v, ok := m.dirty[string(hashed)]; ok {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) set(hashed []byte, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[string(hashed)] = value
}

func (m *Manager) writeThrough() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.savepoints) > 0 {
		return nil
	}
	return m.flushLocked()
}

// KVPut RLP-encodes the value and stores it under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.set(kvKey(key), encoded)
	return m.writeThrough()
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key. Missing keys are ignored.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.set(kvKey(key), nil)
	return m.writeThrough()
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.get(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	m.set(hashed, encoded)
	return m.writeThrough()
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
