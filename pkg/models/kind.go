package models

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/ajitpratap0/tripflow/pkg/compression"
)

// Kind classifies a source file and selects its ingestion handler.
type Kind string

const (
	// KindTripData is a columnar trip-record file
	KindTripData Kind = "trip_data"
	// KindZoneLookup is a delimited location lookup table
	KindZoneLookup Kind = "zone_lookup"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindTripData, KindZoneLookup}

// ParseKind accepts the canonical tags and the legacy parquet / zones_csv
// aliases. The empty string maps to KindTripData.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindTripData), "parquet":
		return KindTripData, nil
	case string(KindZoneLookup), "zones_csv", "csv":
		return KindZoneLookup, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	return k == KindTripData || k == KindZoneLookup
}

func (k Kind) String() string { return string(k) }

// KindFromURL infers the kind from the path extension of a URL or file name.
// The query string is ignored; anything not delimited text is trip data.
func KindFromURL(raw string) Kind {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	name := compression.TrimExtension(strings.ToLower(path.Base(p)))
	if strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".txt") {
		return KindZoneLookup
	}
	return KindTripData
}

// Status is the processing state of an upload, item or batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Runnable reports whether a batch item in this state may be (re)started. Done items
// are skipped so a redelivered task is harmless. Uploads never restart from
// processing.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusError
}

func (s Status) String() string { return string(s) }
