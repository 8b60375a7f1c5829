// Package domain contains the core business entities and value objects.
package domain

import (
	"strconv"
	"strings"
)

// Common SRID constants.
const (
	SRIDUnknown      = 0
	SRIDWGS84        = 4326  // WGS 84
	SRIDWebMercator  = 3857  // Web Mercator
	SRIDETRS89UTM32N = 25832 // ETRS89 / UTM zone 32N
	SRIDETRS89UTM33N = 25833 // ETRS89 / UTM zone 33N
)

// Projection represents a coordinate reference system.
type Projection struct {
	SRID int    // EPSG Code
	Name string // Human-readable name
}

// CommonProjections contains frequently used projections.
var CommonProjections = map[int]Projection{
	SRIDWGS84:        {SRID: SRIDWGS84, Name: "WGS 84"},
	SRIDWebMercator:  {SRID: SRIDWebMercator, Name: "Web Mercator"},
	SRIDETRS89UTM32N: {SRID: SRIDETRS89UTM32N, Name: "ETRS89 / UTM zone 32N"},
	SRIDETRS89UTM33N: {SRID: SRIDETRS89UTM33N, Name: "ETRS89 / UTM zone 33N"},
}

// IsKnownSRID returns true if the SRID is in the common projections list.
func IsKnownSRID(srid int) bool {
	_, ok := CommonProjections[srid]
	return ok
}

// ParseCRS maps a CRS identifier as found in file metadata to an EPSG code.
// Accepted forms: "EPSG:4326", "OGC:CRS84", "urn:ogc:def:crs:EPSG::3857",
// a bare number. An empty identifier means the default lon/lat CRS.
func ParseCRS(id string) (int, bool) {
	s := strings.TrimSpace(strings.ToUpper(id))
	if s == "" {
		return SRIDWGS84, true
	}
	if strings.HasSuffix(s, "CRS84") || strings.HasSuffix(s, "CRS:84") {
		return SRIDWGS84, true
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return SRIDUnknown, false
	}
	// 900913 is the legacy Google code for Web Mercator.
	if code == 900913 || code == 3785 {
		return SRIDWebMercator, true
	}
	return code, true
}
