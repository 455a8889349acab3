package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocationPingValidate(t *testing.T) {
	require.NoError(t, LocationPing{TripID: "t1", DriverID: "d1", Lat: 36.8, Lon: 10.1}.Validate())
	require.Error(t, LocationPing{DriverID: "d1", Lat: 36.8, Lon: 10.1}.Validate())
	require.ErrorContains(t, LocationPing{TripID: "t1", Lat: 36.8, Lon: 10.1}.Validate(), "driver_id")
	require.Error(t, LocationPing{TripID: "t1", DriverID: "d1", Lat: 95, Lon: 10.1}.Validate())
}
