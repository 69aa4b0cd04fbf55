package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tipledger/core/events"
)

type fakeEvent string

func (e fakeEvent) EventType() string { return string(e) }

func TestCommandsObserve(t *testing.T) {
	m := Commands()
	require.Same(t, m, Commands())

	m.Observe("settle", "", 20*time.Millisecond)
	m.Observe("settle", "precondition", time.Millisecond)
	m.Observe("", "", time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("settle", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("settle", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("settle", "precondition")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("unknown", "success")))

	var nilMetrics *commandMetrics
	nilMetrics.Observe("settle", "", time.Second)
}

func TestEventsCounting(t *testing.T) {
	recorder := &events.Recorder{}
	sink := Events().Counting(recorder)

	sink.Emit(fakeEvent("token.minted"))
	sink.Emit(fakeEvent("token.minted"))
	sink.Emit(fakeEvent("settlement.epoch.settled"))

	require.Len(t, recorder.Events(), 3)
	require.Equal(t, float64(2), testutil.ToFloat64(Events().committed.WithLabelValues("token", "token.minted")))
	require.Equal(t, float64(1), testutil.ToFloat64(Events().committed.WithLabelValues("settlement", "settlement.epoch.settled")))
}
