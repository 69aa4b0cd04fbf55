package delegation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tipledger/core/events"
)

// Record is the persisted registry entry for a stored delegation.
type Record struct {
	Payload  []byte
	StoredAt uint64
	Revoked  bool
	Redeemed bool
}

type registryState interface {
	DelegationRecordGet(hash [32]byte) (*Record, bool, error)
	DelegationRecordPut(hash [32]byte, record *Record) error
}

type journal interface {
	Begin() int
	Rollback(id int)
	Commit(id int) error
}

// Registry is the stateful validator: delegators store signed delegations,
// may revoke them, and each one is redeemed at most once by the delegate.
type Registry struct {
	mu       sync.Mutex
	state    registryState
	emitter  events.Emitter
	delegate [20]byte
	nowFn    func() int64

	limit    rate.Limit
	burst    int
	limiters map[[20]byte]*rate.Limiter
}

// NewRegistry constructs a registry accepting delegations addressed to the
// delegate.
func NewRegistry(delegate [20]byte) *Registry {
	return &Registry{
		delegate: delegate,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		limit:    rate.Inf,
		limiters: make(map[[20]byte]*rate.Limiter),
	}
}

// SetState configures the persistence backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for expiry and throttling.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		return
	}
	r.nowFn = now
}

// SetStoreRate throttles Store per delegator. A non-positive perMinute
// disables throttling.
func (r *Registry) SetStoreRate(perMinute float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perMinute <= 0 {
		r.limit = rate.Inf
	} else {
		r.limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	r.burst = burst
	r.limiters = make(map[[20]byte]*rate.Limiter)
}

// Delegate returns the address delegations must be addressed to.
func (r *Registry) Delegate() [20]byte { return r.delegate }

func (r *Registry) allow(delegator [20]byte, now int64) bool {
	if r.limit == rate.Inf {
		return true
	}
	limiter, ok := r.limiters[delegator]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[delegator] = limiter
	}
	return limiter.AllowN(time.Unix(now, 0), 1)
}

func (r *Registry) atomic(fn func() error) error {
	if r.state == nil {
		return ErrNilState
	}
	j, ok := r.state.(journal)
	if !ok {
		return fn()
	}
	id := j.Begin()
	if err := fn(); err != nil {
		j.Rollback(id)
		return err
	}
	return j.Commit(id)
}

// Store registers a signed delegation. Only the delegator may store it.
func (r *Registry) Store(_ context.Context, caller [20]byte, payload []byte) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hash [32]byte
	d, err := Decode(payload)
	if err != nil {
		return hash, err
	}
	if d.Delegator != caller {
		return hash, ErrUnauthorized
	}
	if d.Delegate != r.delegate {
		return hash, fmt.Errorf("%w: unexpected delegate", ErrMalformed)
	}
	now := r.nowFn()
	if err := checkSigned(d, now); err != nil {
		return hash, err
	}
	if hash, err = d.Hash(); err != nil {
		return hash, err
	}
	err = r.atomic(func() error {
		if _, exists, err := r.state.DelegationRecordGet(hash); err != nil {
			return err
		} else if exists {
			return ErrAlreadyStored
		}
		if !r.allow(caller, now) {
			return ErrStoreRateExceeded
		}
		record := &Record{Payload: append([]byte(nil), payload...), StoredAt: uint64(now)}
		if err := r.state.DelegationRecordPut(hash, record); err != nil {
			return err
		}
		r.emitter.Emit(Stored{Hash: hash, Delegator: d.Delegator, Token: strings.ToUpper(d.Token), Expiry: d.Expiry})
		return nil
	})
	return hash, err
}

// Lookup returns the stored delegation and its record.
func (r *Registry) Lookup(_ context.Context, hash [32]byte) (*Delegation, *Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, nil, ErrNilState
	}
	record, ok, err := r.state.DelegationRecordGet(hash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	d, err := Decode(record.Payload)
	if err != nil {
		return nil, nil, err
	}
	return d, record, nil
}

// RevokeDelegation implements Revoker.
func (r *Registry) RevokeDelegation(_ context.Context, caller [20]byte, hash [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atomic(func() error {
		record, ok, err := r.state.DelegationRecordGet(hash)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		d, err := Decode(record.Payload)
		if err != nil {
			return err
		}
		if d.Delegator != caller {
			return ErrUnauthorized
		}
		if record.Revoked {
			return nil
		}
		if record.Redeemed {
			return ErrAlreadyRedeemed
		}
		record.Revoked = true
		if err := r.state.DelegationRecordPut(hash, record); err != nil {
			return err
		}
		r.emitter.Emit(Revoked{Hash: hash, Delegator: d.Delegator})
		return nil
	})
}

// IsRevoked implements Revoker.
func (r *Registry) IsRevoked(_ context.Context, hash [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return false, ErrNilState
	}
	record, ok, err := r.state.DelegationRecordGet(hash)
	if err != nil || !ok {
		return false, err
	}
	return record.Revoked, nil
}

// HashDelegation implements Validator.
func (r *Registry) HashDelegation(payload []byte) ([32]byte, error) {
	return hashPayload(payload)
}

// IsDelegationValid implements Validator. A delegation is valid when it is
// stored, signed, unexpired, neither revoked nor redeemed, addressed to the
// registry's delegate and covers the requested movement.
func (r *Registry) IsDelegationValid(_ context.Context, delegator [20]byte, token string, selector Selector, amount *big.Int, payload []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return false, ErrNilState
	}
	d, _, err := r.usable(payload)
	if err != nil {
		if IsInvalid(err) {
			return false, nil
		}
		return false, err
	}
	return d.Covers(delegator, r.delegate, token, selector, amount), nil
}

func (r *Registry) usable(payload []byte) (*Delegation, *Record, error) {
	d, err := Decode(payload)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSigned(d, r.nowFn()); err != nil {
		return nil, nil, err
	}
	hash, err := d.Hash()
	if err != nil {
		return nil, nil, err
	}
	record, ok, err := r.state.DelegationRecordGet(hash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	if record.Revoked {
		return nil, nil, ErrRevoked
	}
	if record.Redeemed {
		return nil, nil, ErrAlreadyRedeemed
	}
	return d, record, nil
}

func (r *Registry) redeemLocked(payload []byte) error {
	d, record, err := r.usable(payload)
	if err != nil {
		return err
	}
	if d.Delegate != r.delegate {
		return ErrNotRedeemable
	}
	hash, err := d.Hash()
	if err != nil {
		return err
	}
	record.Redeemed = true
	if err := r.state.DelegationRecordPut(hash, record); err != nil {
		return err
	}
	r.emitter.Emit(Redeemed{Hash: hash, Delegator: d.Delegator})
	return nil
}

// RedeemDelegation implements Redeemer.
func (r *Registry) RedeemDelegation(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atomic(func() error { return r.redeemLocked(payload) })
}

// RedeemDelegations implements Redeemer. Either every payload is redeemed or
// none is.
func (r *Registry) RedeemDelegations(_ context.Context, payloads [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atomic(func() error {
		for i, payload := range payloads {
			if err := r.redeemLocked(payload); err != nil {
				return fmt.Errorf("delegation %d: %w", i, err)
			}
		}
		return nil
	})
}
