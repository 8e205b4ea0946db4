package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"action":"send_gps","host":"10.0.0.1","port":7001,"message":"A","vehicle_id":"V1"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSendGPS, req.Action)
	assert.Equal(t, "10.0.0.1", req.Host)
	assert.Equal(t, 7001, req.Port)
	require.NoError(t, req.Validate())
}

func TestDecodeRequestBadJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"action":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"missing action", Request{}, ErrInvalidRequest},
		{"unknown action", Request{Action: "reboot"}, ErrUnknownAction},
		{"send without message", Request{Action: ActionSendGPS, Host: "h", Port: 1}, ErrInvalidRequest},
		{"send without host", Request{Action: ActionSendGPS, Message: "x", Port: 1}, ErrInvalidRequest},
		{"send with zero port", Request{Action: ActionSendGPS, Message: "x", Host: "h"}, ErrInvalidRequest},
		{"send with oversized port", Request{Action: ActionSendGPS, Message: "x", Host: "h", Port: 70000}, ErrInvalidRequest},
		{"close without endpoint", Request{Action: ActionCloseConnection}, ErrInvalidRequest},
		{"stats", Request{Action: ActionGetStats}, nil},
		{"metrics", Request{Action: ActionGetMetrics}, nil},
		{"health", Request{Action: ActionHealthCheck}, nil},
		{"config", Request{Action: ActionGetConfig}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEndpointString(t *testing.T) {
	ep, err := NewEndpoint("127.0.0.1", 19001)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:19001", ep.String())

	ep6, err := NewEndpoint("::1", 80)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:80", ep6.String())
}

func TestStatsTableTotalsMatch(t *testing.T) {
	table := NewStatsTable()
	ep, _ := NewEndpoint("10.1.1.1", 5000)

	table.Record(ep, true)
	table.Record(ep, true)
	table.Record(ep, false)

	snap := table.Snapshot()
	c := snap[ep.String()]
	assert.Equal(t, uint64(2), c.Success)
	assert.Equal(t, uint64(1), c.Failed)
	assert.Equal(t, c.Success+c.Failed, c.Total)
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	table := NewStatsTable()
	ep, _ := NewEndpoint("10.1.1.1", 5000)
	table.Record(ep, true)

	first := table.Snapshot()
	second := table.Snapshot()
	assert.Equal(t, first, second)

	c := first[ep.String()]
	c.Success = 99
	assert.Equal(t, uint64(1), table.Snapshot()[ep.String()].Success)
}

func TestEnvelopeFinalize(t *testing.T) {
	res := &SendResult{}
	res.Success = true
	res.Finalize("req-1", 1500*time.Microsecond)
	assert.Equal(t, "req-1", res.RequestID)
	assert.InDelta(t, 1.5, res.ProcessingTime, 0.01)
}
