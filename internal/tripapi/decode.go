package tripapi

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Trip is the created-trip record returned by the backend.
type Trip struct {
	ID     string `json:"id"`
	TripID string `json:"trip_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// DecodeCreated extracts the trip from a create response. The backend has
// shipped three envelopes: {"trip":{...}}, {"data":{...}} and a bare trip
// object carrying both id and trip_id. ok is false when none matches; the
// create itself still succeeded.
func DecodeCreated(body []byte) (*Trip, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, false
	}
	for _, envelope := range []string{"trip", "data"} {
		raw, ok := top[envelope]
		if !ok {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil || inner == nil {
			continue
		}
		if trip, ok := tripFromObject(inner, false); ok {
			return trip, true
		}
	}
	return tripFromObject(top, true)
}

func tripFromObject(obj map[string]json.RawMessage, requireTripID bool) (*Trip, bool) {
	id, ok := scalarString(obj["id"])
	if !ok {
		return nil, false
	}
	tripID, hasTripID := scalarString(obj["trip_id"])
	if requireTripID && !hasTripID {
		return nil, false
	}
	status, _ := scalarString(obj["status"])
	return &Trip{ID: id, TripID: tripID, Status: status}, true
}

// scalarString accepts JSON strings and numbers.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return n.String(), true
	}
	return "", false
}

// errorBody is the backend's error envelope: {"message": "...", "errors": {"field": ["..."]}}.
type errorBody struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Message = strings.TrimSpace(eb.Message)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(eb.Error)
		}
		if len(eb.Errors) > 0 {
			apiErr.Fields = eb.Errors
		}
	}
	return apiErr
}
