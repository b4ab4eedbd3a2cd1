package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachetune-service/internal/logging"
	"cachetune-service/internal/models"
)

type receiverFunc struct {
	report func(ctx context.Context, r models.NodeReport) error
	action func(ctx context.Context, a models.TuningAction) error
}

func (f receiverFunc) ReceiveReport(ctx context.Context, r models.NodeReport) error {
	return f.report(ctx, r)
}

func (f receiverFunc) ReceiveAction(ctx context.Context, a models.TuningAction) error {
	return f.action(ctx, a)
}

func TestLoopback_Delivers(t *testing.T) {
	l := NewLoopback()
	var gotReport models.NodeReport
	var gotAction models.TuningAction
	rcv := receiverFunc{
		report: func(_ context.Context, r models.NodeReport) error { gotReport = r; return nil },
		action: func(_ context.Context, a models.TuningAction) error { gotAction = a; return nil },
	}
	l.Register("cm-0", rcv, nil)
	l.Register("data-0", nil, rcv)

	ctx := context.Background()
	require.NoError(t, l.SendReport(ctx, "cm-0", models.NodeReport{NodeID: "data-0", Cycle: 3}))
	assert.Equal(t, uint64(3), gotReport.Cycle)

	require.NoError(t, l.SendAction(ctx, "data-0", models.TuningAction{ID: "a1"}))
	assert.Equal(t, "a1", gotAction.ID)

	assert.ErrorIs(t, l.SendAction(ctx, "cm-0", models.TuningAction{}), ErrUnreachable)
	assert.ErrorIs(t, l.SendReport(ctx, "data-0", models.NodeReport{}), ErrUnreachable)
	assert.ErrorIs(t, l.SendReport(ctx, "nowhere", models.NodeReport{}), ErrUnreachable)
}

func TestLoopback_Down(t *testing.T) {
	l := NewLoopback()
	calls := 0
	l.Register("data-0", nil, receiverFunc{
		action: func(context.Context, models.TuningAction) error { calls++; return nil },
	})

	l.SetDown("data-0", true)
	assert.ErrorIs(t, l.SendAction(context.Background(), "data-0", models.TuningAction{}), ErrUnreachable)
	l.SetDown("data-0", false)
	assert.NoError(t, l.SendAction(context.Background(), "data-0", models.TuningAction{}))
	assert.Equal(t, 1, calls)
}

func TestHTTPTransport_SendAction(t *testing.T) {
	var got models.TuningAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ApplyActionsPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, logging.Discard())
	err := tr.SendAction(context.Background(), srv.URL, models.TuningAction{ID: "a1", NewValue: 110})
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, 110.0, got.NewValue)
}

func TestHTTPTransport_StatusErrors(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(code.Load()))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, logging.Discard())
	err := tr.SendReport(context.Background(), srv.URL, models.NodeReport{NodeID: "data-0"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "nope", se.Body)
	assert.True(t, se.Permanent())

	code.Store(http.StatusServiceUnavailable)
	err = tr.SendReport(context.Background(), srv.URL, models.NodeReport{NodeID: "data-0"})
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Permanent())
}

func TestHTTPTransport_QueryActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ActionsPath, r.URL.Path)
		assert.Equal(t, "data-0", r.URL.Query().Get("node"))
		assert.Equal(t, "5", r.URL.Query().Get("from"))
		assert.Empty(t, r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]models.TuningAction{{ID: "a1", TargetNodeID: "data-0", IssuedCycle: 7}})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, nil)
	actions, err := tr.QueryActions(context.Background(), srv.URL, models.ActionFilter{NodeID: "data-0", FromCycle: 5})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, uint64(7), actions[0].IssuedCycle)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:9650", BaseURL("10.0.0.1:9650"))
	assert.Equal(t, "http://localhost:9650", BaseURL(":9650"))
	assert.Equal(t, "https://cm.example:443", BaseURL("https://cm.example:443/"))
}
