package duckdb

import (
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
)

// DuckDB reports storage failures as plain error text.
var (
	missingMarkers = []string{"No files found", "404", "Cannot open file", "does not exist", "No such file"}
	deniedMarkers  = []string{"403", "Access Denied", "AuthorizationFailure", "Permission denied"}
	schemaMarkers  = []string{"Referenced column", "Could not find column", "not found in FROM clause"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isMissing(err error) bool {
	return err != nil && containsAny(err.Error(), missingMarkers)
}

func isDenied(err error) bool {
	return err != nil && containsAny(err.Error(), deniedMarkers)
}

// queryError classifies a query failure. Files that vanished or changed
// their columns since they were described are reported as stale metadata
// so the caller re-resolves.
func queryError(files []domain.FileDescriptor, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if isMissing(err) || containsAny(msg, schemaMarkers) {
		uri := ""
		for _, f := range files {
			if strings.Contains(msg, f.URI) {
				uri = f.URI
				break
			}
		}
		if uri == "" && len(files) > 0 {
			uri = files[0].URI
		}
		return &domain.StaleMetadataError{URI: uri, Err: err}
	}
	return &domain.QueryExecutionError{Engine: string(domain.FormatGeoParquet), Err: err}
}
