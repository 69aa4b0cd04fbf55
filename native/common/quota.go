package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueCapExceeded = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed uint64
	WindowID  uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Zero values disable the corresponding limit.
type Quota struct {
	MaxRequestsPerWindow uint32
	MaxValuePerWindow    uint64
	WindowSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerWindow > 0 || q.MaxValuePerWindow > 0
}

// WindowAt maps a unix timestamp onto the quota window identifier.
func (q Quota) WindowAt(unix int64) uint64 {
	if unix <= 0 || q.WindowSeconds == 0 {
		return 0
	}
	return uint64(unix) / uint64(q.WindowSeconds)
}

// CheckQuota verifies whether the additional request and value usage fit within
// the configured quota. The returned QuotaNow reflects the updated counters when
// the quota is not exceeded.
func CheckQuota(q Quota, nowWindow uint64, prev QuotaNow, addReq uint32, addValue uint64) (QuotaNow, error) {
	next := prev
	if prev.WindowID != nowWindow {
		next = QuotaNow{WindowID: nowWindow}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerWindow > 0 && next.ReqCount > q.MaxRequestsPerWindow {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue > 0 {
		if next.ValueUsed > math.MaxUint64-addValue {
			return prev, ErrQuotaCounterOverflow
		}
		next.ValueUsed += addValue
	}
	if q.MaxValuePerWindow > 0 && next.ValueUsed > q.MaxValuePerWindow {
		return prev, ErrQuotaValueCapExceeded
	}

	return next, nil
}
