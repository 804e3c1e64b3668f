// Package parser turns raw location messages into telemetry records.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
)

var (
	// ErrMissingField reports that a required field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrInvalidType reports a field that is absent or of the wrong type where a number is required.
	ErrInvalidType = errors.New("invalid type")
	// ErrMalformed reports a payload that is not a JSON object.
	ErrMalformed = errors.New("malformed payload")
)

// EntityIDAliases lists the accepted entity id keys in lookup priority order.
var EntityIDAliases = []string{"studentId", "id", "studentID"}

// ParseError describes why a payload was rejected.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Field)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse validates and normalizes a raw message into a TelemetryRecord.
// Unknown fields are ignored. It has no side effects.
func Parse(raw []byte) (models.TelemetryRecord, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return models.TelemetryRecord{}, err
	}

	entityID, err := entityID(fields)
	if err != nil {
		return models.TelemetryRecord{}, err
	}

	lat, err := number(fields, "latitude")
	if err != nil {
		return models.TelemetryRecord{}, err
	}
	lon, err := number(fields, "longitude")
	if err != nil {
		return models.TelemetryRecord{}, err
	}
	speed, err := number(fields, "speed")
	if err != nil {
		return models.TelemetryRecord{}, err
	}

	tsRaw, ok := fields["timestamp"]
	if !ok {
		return models.TelemetryRecord{}, &ParseError{Field: "timestamp", Err: ErrMissingField}
	}
	ts, ok := tsRaw.(string)
	if !ok {
		return models.TelemetryRecord{}, &ParseError{Field: "timestamp", Err: ErrInvalidType}
	}

	return models.TelemetryRecord{
		EntityID:  entityID,
		Latitude:  lat,
		Longitude: lon,
		Speed:     float32(speed),
		Timestamp: ts,
	}, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	// encoding/json would substitute U+FFFD for invalid bytes.
	if !utf8.Valid(raw) {
		return nil, &ParseError{Err: fmt.Errorf("%w: invalid utf-8", ErrMalformed)}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if fields == nil {
		// literal null
		return nil, &ParseError{Err: ErrMalformed}
	}
	if dec.More() {
		return nil, &ParseError{Err: fmt.Errorf("%w: trailing data", ErrMalformed)}
	}
	return fields, nil
}

func entityID(fields map[string]any) (int, error) {
	for _, alias := range EntityIDAliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return 0, &ParseError{Field: alias, Err: ErrInvalidType}
		}
		return int(f), nil
	}
	return 0, &ParseError{Field: "entityId", Err: ErrMissingField}
}

func number(fields map[string]any, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, &ParseError{Field: key, Err: ErrInvalidType}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, &ParseError{Field: key, Err: ErrInvalidType}
	}
	return f, nil
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	var f float64
	var err error
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
