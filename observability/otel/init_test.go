package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,x-team=ledger,,novalue, =skipped")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-team":        "ledger",
	}, headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitValidatesConfig(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
	_, err = Init(context.Background(), Config{ServiceName: "tipledger", Traces: true, SampleRatio: 2})
	require.Error(t, err)
}
