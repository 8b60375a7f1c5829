package main

import (
	"testing"

	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
)

func TestParseTileArg(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.TileAddress
		wantErr bool
	}{
		{in: "0/0/0", want: domain.TileAddress{}},
		{in: "14/8508/5460", want: domain.TileAddress{Z: 14, X: 8508, Y: 5460}},
		{in: "3/2/1.mvt", want: domain.TileAddress{Z: 3, X: 2, Y: 1}},
		{in: "3/2", wantErr: true},
		{in: "a/2/1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTileArg(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTileArg(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseTileArg(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		logger := setupLogger(config.LoggingConfig{Level: "debug", Format: format})
		if logger == nil {
			t.Fatalf("setupLogger(%s) = nil", format)
		}
		if !logger.Handler().Enabled(t.Context(), -4) {
			t.Errorf("setupLogger(%s) does not enable debug", format)
		}
	}
}
