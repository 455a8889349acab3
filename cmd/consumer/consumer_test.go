package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/trip"
)

// fakeApplier fails the first `fail` calls with err.
type fakeApplier struct {
	fail  int
	err   error
	calls int
	last  trip.NavUpdate
	actor string
}

func (f *fakeApplier) UpdateDriverLocation(_ context.Context, tripID, actorID string, u trip.NavUpdate) (models.Trip, error) {
	f.calls++
	if f.calls <= f.fail {
		return models.Trip{}, f.err
	}
	f.last, f.actor = u, actorID
	return models.Trip{ID: tripID}, nil
}

func ping(t *testing.T, p ingest.LocationPing) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2, err: errors.New("connection reset")}
	start := time.Now()
	got := handleMessage(context.Background(), f, ping(t, ingest.LocationPing{TripID: "t1", DriverID: "d1", Lat: 1, Lon: 2, SpeedKmh: 40}), 3, 10*time.Millisecond)
	require.Equal(t, resultApplied, got)
	require.Equal(t, 3, f.calls)
	require.Equal(t, 40.0, f.last.SpeedKmh)
	require.Equal(t, "d1", f.actor)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyFailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("db down")}
	got := handleMessage(context.Background(), f, ping(t, ingest.LocationPing{TripID: "t1", DriverID: "d1", Lat: 1, Lon: 2}), 3, time.Millisecond)
	require.Equal(t, resultFailed, got)
	require.Equal(t, 3, f.calls)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	f := &fakeApplier{fail: 5, err: apperr.InvalidState("trip t1 is OPEN, not ACTIVE")}
	got := handleMessage(context.Background(), f, ping(t, ingest.LocationPing{TripID: "t1", DriverID: "d1", Lat: 1, Lon: 2}), 3, time.Millisecond)
	require.Equal(t, resultRejected, got)
	require.Equal(t, 1, f.calls)
}

func TestInvalidMessages(t *testing.T) {
	f := &fakeApplier{}
	require.Equal(t, resultInvalid, handleMessage(context.Background(), f, []byte("{"), 3, time.Millisecond))
	require.Equal(t, resultInvalid, handleMessage(context.Background(), f, ping(t, ingest.LocationPing{Lat: 1, Lon: 2}), 3, time.Millisecond))
	require.Equal(t, resultInvalid, handleMessage(context.Background(), f, ping(t, ingest.LocationPing{TripID: "t1", DriverID: "d1", Lat: 91}), 3, time.Millisecond))
	require.Equal(t, resultInvalid, handleMessage(context.Background(), f, ping(t, ingest.LocationPing{TripID: "t1", Lat: 1, Lon: 2}), 3, time.Millisecond))
	require.Zero(t, f.calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, ingest.LocationPing{TripID: "t1"}, 3, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.calls)
}
