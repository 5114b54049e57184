// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package xraysignal

import (
	"math"
)

// EarthRadiusMeters is the sphere radius used for great-circle distances.
const EarthRadiusMeters = 6371000

// BoundingBox is the axis-aligned envelope of a set of data points.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains reports whether the given coordinates lie within the box.
func (b *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Stats are the derived metrics of a single signal.
type Stats struct {
	MaxSpeed       float64      `json:"maxSpeed"`
	AvgSpeed       float64      `json:"avgSpeed"`
	DistanceMeters int64        `json:"distanceMeters"`
	BBox           *BoundingBox `json:"bbox,omitempty"`
}

// ComputeStats derives summary metrics from an ordered sequence of data
// points. A single-point signal has zero average speed and zero distance.
func ComputeStats(points []DataPoint) Stats {
	if len(points) == 0 {
		return Stats{}
	}

	bbox := &BoundingBox{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLon: points[0].Lon, MaxLon: points[0].Lon,
	}

	var maxSpeed, sumSpeed, distance float64
	for i, p := range points {
		maxSpeed = math.Max(maxSpeed, p.Speed)
		sumSpeed += p.Speed

		bbox.MinLat = math.Min(bbox.MinLat, p.Lat)
		bbox.MaxLat = math.Max(bbox.MaxLat, p.Lat)
		bbox.MinLon = math.Min(bbox.MinLon, p.Lon)
		bbox.MaxLon = math.Max(bbox.MaxLon, p.Lon)

		if i > 0 {
			prev := points[i-1]
			distance += Haversine(prev.Lat, prev.Lon, p.Lat, p.Lon)
		}
	}

	stats := Stats{
		MaxSpeed: maxSpeed,
		BBox:     bbox,
	}
	if len(points) > 1 {
		stats.AvgSpeed = sumSpeed / float64(len(points))
		stats.DistanceMeters = int64(math.Round(distance))
	}
	return stats
}

// Haversine returns the great-circle distance in meters between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)

	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}
