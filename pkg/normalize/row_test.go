package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTrip() RawRow {
	return RawRow{
		"VendorID":              int32(2),
		"tpep_pickup_datetime":  "2024-01-01 00:57:55",
		"tpep_dropoff_datetime": "2024-01-01 01:17:43",
		"passenger_count":       int64(1),
		"trip_distance":         1.72,
		"RatecodeID":            int64(1),
		"store_and_fwd_flag":    "N",
		"PULocationID":          int32(186),
		"DOLocationID":          int32(79),
		"payment_type":          int64(2),
		"fare_amount":           17.7,
		"extra":                 1.0,
		"mta_tax":               0.5,
		"tip_amount":            0.0,
		"tolls_amount":          0.0,
		"total_amount":          22.7,
	}
}

func TestTripAccepted(t *testing.T) {
	rec, rej := Trip(validTrip())
	require.True(t, rej.OK())

	assert.Equal(t, int16(2), rec.VendorID)
	require.NotNil(t, rec.PickupAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 57, 55, 0, time.UTC), *rec.PickupAt)
	assert.Equal(t, int32(186), rec.PULocationID)
	assert.Equal(t, "17.70", rec.FareAmount.StringFixed(2))
	assert.Equal(t, "0.50", rec.MTATax.StringFixed(2))
	require.NotNil(t, rec.StoreAndFwdFlag)
	assert.Equal(t, "N", *rec.StoreAndFwdFlag)
}

func TestTripRejectsMandatoryTriplet(t *testing.T) {
	tests := []struct {
		name   string
		column string
		value  any
		want   Rejection
	}{
		{"negative distance", "trip_distance", -0.1, RejectedDistance},
		{"missing distance", "trip_distance", nil, RejectedDistance},
		{"nan distance", "trip_distance", math.NaN(), RejectedDistance},
		{"negative fare", "fare_amount", -5.0, RejectedFare},
		{"malformed fare", "fare_amount", "n/a", RejectedFare},
		{"negative total", "total_amount", -22.7, RejectedTotal},
		{"missing total", "total_amount", nil, RejectedTotal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validTrip()
			row[tt.column] = tt.value
			_, rej := Trip(row)
			assert.Equal(t, tt.want, rej)
		})
	}
}

func TestTripDefaultsOptionalCharges(t *testing.T) {
	row := validTrip()
	delete(row, "extra")
	delete(row, "mta_tax")
	delete(row, "tolls_amount")
	row["tip_amount"] = nil
	row["passenger_count"] = math.NaN()
	row["store_and_fwd_flag"] = ""
	row["tpep_pickup_datetime"] = "not a time"

	rec, rej := Trip(row)
	require.True(t, rej.OK())
	assert.True(t, rec.Extra.IsZero())
	assert.True(t, rec.MTATax.IsZero())
	assert.True(t, rec.TollsAmount.IsZero())
	assert.True(t, rec.TipAmount.IsZero())
	assert.Nil(t, rec.PassengerCount)
	assert.Nil(t, rec.StoreAndFwdFlag)
	assert.Nil(t, rec.PickupAt)
	assert.NotNil(t, rec.DropoffAt)
}

func TestTripZeroAmountsAccepted(t *testing.T) {
	row := validTrip()
	row["trip_distance"] = 0.0
	row["fare_amount"] = 0.0
	row["total_amount"] = 0.0
	_, rej := Trip(row)
	assert.True(t, rej.OK())
}

func TestLocation(t *testing.T) {
	loc, rej := Location(RawRow{"LocationID": "1", "Borough": "EWR", "Zone": "Newark Airport", "service_zone": "EWR"})
	require.True(t, rej.OK())
	assert.Equal(t, int32(1), loc.LocationID)
	assert.Equal(t, "Newark Airport", loc.Zone)
	require.NotNil(t, loc.ServiceZone)

	loc, rej = Location(RawRow{"LocationID": "264", "Borough": "Unknown", "Zone": "", "service_zone": ""})
	require.True(t, rej.OK())
	assert.Nil(t, loc.ServiceZone)

	_, rej = Location(RawRow{"LocationID": "", "Borough": "Queens"})
	assert.Equal(t, RejectedID, rej)
}
