package normalize

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tripflow/pkg/models"
)

// Row is one raw source row addressed by source column name. Missing columns
// return nil.
type Row interface {
	Value(column string) any
}

// RawRow is an in-memory Row.
type RawRow map[string]any

// Value implements Row.
func (r RawRow) Value(column string) any { return r[column] }

// Rejection names the mandatory field that made a row invalid. The zero value
// means the row was accepted.
type Rejection string

const (
	Accepted         Rejection = ""
	RejectedDistance Rejection = "distance"
	RejectedFare     Rejection = "fare"
	RejectedTotal    Rejection = "total"
	RejectedID       Rejection = "id"
)

// OK reports whether the row was accepted.
func (r Rejection) OK() bool { return r == Accepted }

// Trip converts a trip-data row. Distance, fare and total are mandatory and
// must be non-negative. extra, mta_tax, tip and tolls default to zero; ids
// and codes that are absent default to zero; timestamps, passenger count,
// rate code and the store-and-forward flag stay null.
func Trip(row Row) (models.TripRecord, Rejection) {
	var rec models.TripRecord

	dist, ok := Float(row.Value("trip_distance"))
	if !ok || dist < 0 {
		return rec, RejectedDistance
	}
	fare, ok := Decimal(row.Value("fare_amount"))
	if !ok || fare.IsNegative() {
		return rec, RejectedFare
	}
	total, ok := Decimal(row.Value("total_amount"))
	if !ok || total.IsNegative() {
		return rec, RejectedTotal
	}

	rec.TripDistance = dist
	rec.FareAmount = fare
	rec.TotalAmount = total
	rec.Extra = decimalOrZero(row.Value("extra"))
	rec.MTATax = decimalOrZero(row.Value("mta_tax"))
	rec.TipAmount = decimalOrZero(row.Value("tip_amount"))
	rec.TollsAmount = decimalOrZero(row.Value("tolls_amount"))

	rec.VendorID, _ = Int16(row.Value("VendorID"))
	rec.PULocationID, _ = Int32(row.Value("PULocationID"))
	rec.DOLocationID, _ = Int32(row.Value("DOLocationID"))
	rec.PaymentType, _ = Int16(row.Value("payment_type"))

	if t, ok := Timestamp(row.Value("tpep_pickup_datetime")); ok {
		rec.PickupAt = &t
	}
	if t, ok := Timestamp(row.Value("tpep_dropoff_datetime")); ok {
		rec.DropoffAt = &t
	}
	if n, ok := Int16(row.Value("passenger_count")); ok {
		rec.PassengerCount = &n
	}
	if n, ok := Int16(row.Value("RatecodeID")); ok {
		rec.RatecodeID = &n
	}
	if s, ok := String(row.Value("store_and_fwd_flag")); ok {
		flag := strings.ToUpper(string([]rune(s)[:1]))
		rec.StoreAndFwdFlag = &flag
	}

	return rec, Accepted
}

func decimalOrZero(v any) decimal.Decimal {
	d, ok := Decimal(v)
	if !ok {
		return decimal.Zero
	}
	return d
}

// Location converts a lookup row with LocationID, Borough, Zone and
// service_zone columns. A missing or non-integer id rejects the row.
func Location(row Row) (models.LocationZone, Rejection) {
	var loc models.LocationZone

	id, ok := Int32(row.Value("LocationID"))
	if !ok {
		return loc, RejectedID
	}
	loc.LocationID = id
	loc.Borough, _ = String(row.Value("Borough"))
	loc.Zone, _ = String(row.Value("Zone"))
	if s, ok := String(row.Value("service_zone")); ok {
		loc.ServiceZone = &s
	}
	return loc, Accepted
}
