package main

import (
	"context"
	"math"
	"time"

	"goa.design/brook"
)

// VehicleReport is the raw telemetry record vehicles push: position, line
// assignment and a timestamp, keyed by the vehicle number.
type VehicleReport struct {
	VehicleNumber int       `brook:"vehicle_number,id"`
	Time          time.Time `brook:"time"`
	Lat           float64   `brook:"lat"`
	Lon           float64   `brook:"lon"`
	Brigade       string    `brook:"brigade"`
	Line          string    `brook:"line"`
}

// buildModel declares the vehicle telemetry model: raw reports in; location,
// direction and brigade reports out; a derived heading computed from the
// previous position.
func buildModel() *brook.Brook {
	b := brook.New()
	b.Input("ztm-report", VehicleReport{})
	b.Field("direction", brook.Deps{
		Current: []string{"lat", "lon"},
		History: []brook.HistDep{{Field: "lat", Window: 1}, {Field: "lon", Window: 1}},
	}, direction, brook.FieldType((*float64)(nil)))
	b.Output("location-report",
		brook.Take("vehicle_number"),
		brook.Take("lat"),
		brook.Take("lon"),
		brook.Take("line"),
		brook.Take("time"),
		brook.Take("brigade"),
	)
	b.Output("direction-report", brook.Take("direction"))
	b.Output("brigade-report", brook.Take("brigade"))
	b.SetMeta(brook.Meta{
		Latitude:  brook.Ref("location-report", "lat"),
		Longitude: brook.Ref("location-report", "lon"),
		Time:      brook.Ref("location-report", "time"),
		Group:     brook.Ref("location-report", "line"),
		Direction: brook.Ref("direction-report", "direction"),
	})
	return b
}

// direction is the heading in degrees from the vehicle's previous position
// to its current one. The first report of a vehicle has no previous position
// and yields null.
func direction(ctx context.Context, in brook.FieldInput) (any, error) {
	prevLat := in.Window("lat")[0]
	prevLon := in.Window("lon")[0]
	if prevLat.IsNull() || prevLon.IsNull() {
		return nil, nil
	}
	lat, err := in.Float64("lat")
	if err != nil {
		return nil, err
	}
	lon, err := in.Float64("lon")
	if err != nil {
		return nil, err
	}
	pLat, err := prevLat.Float64()
	if err != nil {
		return nil, err
	}
	pLon, err := prevLon.Float64()
	if err != nil {
		return nil, err
	}
	return math.Atan2(lon-pLon, lat-pLat) * 180 / math.Pi, nil
}
