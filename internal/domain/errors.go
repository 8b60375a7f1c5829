package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrNoFilesMatched      = fmt.Errorf("no files matched: %w", ErrNotFound)
	ErrUnsupportedFormat   = fmt.Errorf("file format: %w", ErrUnsupported)
	ErrUnsupportedScheme   = fmt.Errorf("location scheme: %w", ErrUnsupported)
	ErrSchemaMismatch      = fmt.Errorf("schema mismatch: %w", ErrInvalidInput)
	ErrMixedCRS            = fmt.Errorf("mixed coordinate reference systems: %w", ErrUnsupported)
	ErrExportUnsupported   = fmt.Errorf("export: %w", ErrUnsupported)
	ErrStorageUnavailable  = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrPermissionDenied    = fmt.Errorf("permission denied: %w", ErrInvalidInput)
	ErrLocationNotAllowed  = fmt.Errorf("location outside storage root: %w", ErrInvalidInput)
	ErrNoSpatialIndex      = fmt.Errorf("spatial index missing: %w", ErrUnsupported)
	ErrGeometryUndecodable = fmt.Errorf("geometry: %w", ErrUnsupported)
)

// Error kinds reported at the request boundary.
const (
	KindFilterSyntax   = "filter_syntax"
	KindUnknownColumn  = "unknown_column"
	KindResolution     = "resolution"
	KindTileOutOfRange = "tile_out_of_range"
	KindReprojection   = "reprojection"
	KindEncoding       = "encoding"
	KindQueryExecution = "query_execution"
	KindStaleMetadata  = "stale_metadata"
	KindInvalidInput   = "invalid_input"
	KindUnsupported    = "unsupported"
	KindInternal       = "internal"
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// FilterSyntaxError reports a malformed filter expression.
type FilterSyntaxError struct {
	Input   string // Expression as received
	Offset  int    // Byte offset of the offending token, -1 if unknown
	Message string
}

// Error implements the error interface.
func (e *FilterSyntaxError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("filter syntax error at offset %d: %s", e.Offset, e.Message)
	}
	return fmt.Sprintf("filter syntax error: %s", e.Message)
}

// Unwrap returns the underlying error type.
func (e *FilterSyntaxError) Unwrap() error {
	return ErrInvalidInput
}

// UnknownColumnError reports a column absent from the target schema.
type UnknownColumnError struct {
	Column    string
	Available []string
}

// Error implements the error interface.
func (e *UnknownColumnError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unknown column %q", e.Column)
	}
	return fmt.Sprintf("unknown column %q (available: %s)", e.Column, strings.Join(e.Available, ", "))
}

// Unwrap returns the underlying error type.
func (e *UnknownColumnError) Unwrap() error {
	return ErrInvalidInput
}

// ResolutionError reports a location pattern that could not be resolved
// into a dataset.
type ResolutionError struct {
	Pattern string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve %q", e.Pattern)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// TileOutOfRangeError reports a tile address outside the tile grid.
type TileOutOfRangeError struct {
	Address TileAddress
	MaxZoom int
}

// Error implements the error interface.
func (e *TileOutOfRangeError) Error() string {
	if e.Address.Z > e.MaxZoom {
		return fmt.Sprintf("tile %s out of range: zoom exceeds maximum %d", e.Address, e.MaxZoom)
	}
	return fmt.Sprintf("tile %s out of range: x and y must be below %d", e.Address, uint64(1)<<uint(e.Address.Z))
}

// Unwrap returns the underlying error type.
func (e *TileOutOfRangeError) Unwrap() error {
	return ErrNotFound
}

// ReprojectionError reports an unsupported CRS pair.
type ReprojectionError struct {
	From int
	To   int
}

// Error implements the error interface.
func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("cannot reproject from EPSG:%d to EPSG:%d", e.From, e.To)
}

// Unwrap returns the underlying error type.
func (e *ReprojectionError) Unwrap() error {
	return ErrUnsupported
}

// EncodingError reports a tile that cannot be serialized.
type EncodingError struct {
	Layer   string
	Message string
}

// Error implements the error interface.
func (e *EncodingError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("tile encoding error in layer %s: %s", e.Layer, e.Message)
	}
	return fmt.Sprintf("tile encoding error: %s", e.Message)
}

// Unwrap returns the underlying error type.
func (e *EncodingError) Unwrap() error {
	return ErrInternal
}

// QueryExecutionError wraps a failure of an underlying query engine.
type QueryExecutionError struct {
	Engine string
	Err    error
}

// Error implements the error interface.
func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed in %s engine: %v", e.Engine, e.Err)
}

// Unwrap returns the underlying error.
func (e *QueryExecutionError) Unwrap() error {
	return e.Err
}

// StaleMetadataError reports that cached file statistics no longer match
// the file on storage.
type StaleMetadataError struct {
	URI string
	Err error
}

// Error implements the error interface.
func (e *StaleMetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stale metadata for %s: %v", e.URI, e.Err)
	}
	return fmt.Sprintf("stale metadata for %s", e.URI)
}

// Unwrap returns the underlying error.
func (e *StaleMetadataError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnavailable
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (list, stat, download)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}

// KindOf classifies err for the request boundary. The most specific
// typed error in the chain wins.
func KindOf(err error) string {
	var (
		syntaxErr  *FilterSyntaxError
		columnErr  *UnknownColumnError
		resErr     *ResolutionError
		tileErr    *TileOutOfRangeError
		reprojErr  *ReprojectionError
		encErr     *EncodingError
		staleErr   *StaleMetadataError
		queryErr   *QueryExecutionError
		validation *ValidationError
	)

	switch {
	case errors.As(err, &syntaxErr):
		return KindFilterSyntax
	case errors.As(err, &columnErr):
		return KindUnknownColumn
	case errors.As(err, &tileErr):
		return KindTileOutOfRange
	case errors.As(err, &reprojErr):
		return KindReprojection
	case errors.As(err, &encErr):
		return KindEncoding
	case errors.As(err, &resErr):
		return KindResolution
	case errors.As(err, &staleErr):
		return KindStaleMetadata
	case errors.As(err, &queryErr):
		return KindQueryExecution
	case errors.As(err, &validation), errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	default:
		return KindInternal
	}
}
