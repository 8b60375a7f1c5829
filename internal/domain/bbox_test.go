package domain

import (
	"errors"
	"testing"
)

func TestParseBBox(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    BBox
		wantErr bool
	}{
		{
			name:  "valid",
			input: "-10.5,40,2.25,51",
			want:  BBox{MinX: -10.5, MinY: 40, MaxX: 2.25, MaxY: 51, SRID: SRIDWGS84},
		},
		{
			name:  "spaces around values",
			input: " 1, 2 ,3 , 4",
			want:  BBox{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4, SRID: SRIDWGS84},
		},
		{name: "three values", input: "1,2,3", wantErr: true},
		{name: "five values", input: "1,2,3,4,5", wantErr: true},
		{name: "not a number", input: "a,2,3,4", wantErr: true},
		{name: "NaN", input: "NaN,2,3,4", wantErr: true},
		{name: "inverted", input: "3,2,1,4", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBBox(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBBox() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseBBox() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBBoxIntersects(t *testing.T) {
	base := NewBBox(0, 0, 10, 10, SRIDWGS84)

	tests := []struct {
		name  string
		other BBox
		want  bool
	}{
		{"overlap", NewBBox(5, 5, 15, 15, SRIDWGS84), true},
		{"contained", NewBBox(2, 2, 3, 3, SRIDWGS84), true},
		{"containing", NewBBox(-5, -5, 15, 15, SRIDWGS84), true},
		{"touching edge", NewBBox(10, 0, 20, 10, SRIDWGS84), true},
		{"touching corner", NewBBox(10, 10, 20, 20, SRIDWGS84), true},
		{"disjoint east", NewBBox(10.1, 0, 20, 10, SRIDWGS84), false},
		{"disjoint north", NewBBox(0, 11, 10, 20, SRIDWGS84), false},
		{"disjoint south west", NewBBox(-20, -20, -1, -1, SRIDWGS84), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Intersects(tt.other); got != tt.want {
				t.Errorf("Intersects() = %v, want %v", got, tt.want)
			}
			if got := tt.other.Intersects(base); got != tt.want {
				t.Errorf("Intersects() not symmetric: %v", got)
			}
		})
	}
}

func TestBBoxUnion(t *testing.T) {
	a := NewBBox(0, 0, 1, 1, SRIDWGS84)
	b := NewBBox(5, -2, 6, 0.5, SRIDWGS84)

	got := a.Union(b)
	want := NewBBox(0, -2, 6, 1, SRIDWGS84)
	if got != want {
		t.Errorf("Union() = %v, want %v", got, want)
	}

	if got := (BBox{}).Union(a); got != a {
		t.Errorf("empty.Union(a) = %v, want %v", got, a)
	}
	if got := a.Union(BBox{}); got != a {
		t.Errorf("a.Union(empty) = %v, want %v", got, a)
	}
}

func TestBBoxDimensions(t *testing.T) {
	b := NewBBox(-2, 1, 4, 5, SRIDWebMercator)

	if b.Width() != 6 {
		t.Errorf("Width() = %f, want 6", b.Width())
	}
	if b.Height() != 4 {
		t.Errorf("Height() = %f, want 4", b.Height())
	}
	x, y := b.Center()
	if x != 1 || y != 3 {
		t.Errorf("Center() = (%f, %f), want (1, 3)", x, y)
	}

	buf := b.Buffer(1)
	if buf.MinX != -3 || buf.MaxY != 6 || buf.SRID != SRIDWebMercator {
		t.Errorf("Buffer() = %v", buf)
	}

	if !b.Contains(0, 2) {
		t.Error("Contains(0, 2) = false")
	}
	if b.Contains(10, 2) {
		t.Error("Contains(10, 2) = true")
	}
}

func TestParseCRS(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"", SRIDWGS84, true},
		{"OGC:CRS84", SRIDWGS84, true},
		{"EPSG:4326", SRIDWGS84, true},
		{"epsg:3857", SRIDWebMercator, true},
		{"urn:ogc:def:crs:EPSG::25832", SRIDETRS89UTM32N, true},
		{"900913", SRIDWebMercator, true},
		{"LOCAL_CS", SRIDUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCRS(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseCRS(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
