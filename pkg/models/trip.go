package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TripColumns is the fixed destination column order of the trips table.
var TripColumns = []string{
	"vendor_id",
	"tpep_pickup_datetime",
	"tpep_dropoff_datetime",
	"passenger_count",
	"trip_distance",
	"ratecode_id",
	"store_and_fwd_flag",
	"pu_location_id",
	"do_location_id",
	"payment_type",
	"fare_amount",
	"extra",
	"mta_tax",
	"tip_amount",
	"tolls_amount",
	"total_amount",
}

// SourceTripColumns are the columns read from a trip-data file.
var SourceTripColumns = []string{
	"VendorID",
	"tpep_pickup_datetime",
	"tpep_dropoff_datetime",
	"passenger_count",
	"trip_distance",
	"RatecodeID",
	"store_and_fwd_flag",
	"PULocationID",
	"DOLocationID",
	"payment_type",
	"fare_amount",
	"extra",
	"mta_tax",
	"tip_amount",
	"tolls_amount",
	"total_amount",
}

// TripRecord is one trip. Records are insert-only.
type TripRecord struct {
	VendorID        int16
	PickupAt        *time.Time
	DropoffAt       *time.Time
	PassengerCount  *int16
	TripDistance    float64
	RatecodeID      *int16
	StoreAndFwdFlag *string
	PULocationID    int32
	DOLocationID    int32
	PaymentType     int16
	FareAmount      decimal.Decimal
	Extra           decimal.Decimal
	MTATax          decimal.Decimal
	TipAmount       decimal.Decimal
	TollsAmount     decimal.Decimal
	TotalAmount     decimal.Decimal
}

// Values returns the record in TripColumns order with nil for absent values.
func (t *TripRecord) Values() []any {
	return []any{
		t.VendorID,
		timeOrNil(t.PickupAt),
		timeOrNil(t.DropoffAt),
		int16OrNil(t.PassengerCount),
		t.TripDistance,
		int16OrNil(t.RatecodeID),
		stringOrNil(t.StoreAndFwdFlag),
		t.PULocationID,
		t.DOLocationID,
		t.PaymentType,
		t.FareAmount.StringFixed(2),
		t.Extra.StringFixed(2),
		t.MTATax.StringFixed(2),
		t.TipAmount.StringFixed(2),
		t.TollsAmount.StringFixed(2),
		t.TotalAmount.StringFixed(2),
	}
}

// LocationZone is one row of the location lookup table.
type LocationZone struct {
	LocationID  int32
	Borough     string
	Zone        string
	ServiceZone *string
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func int16OrNil(v *int16) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
