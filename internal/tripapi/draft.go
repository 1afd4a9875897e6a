package tripapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tripTypes maps form labels to the backend enum.
var tripTypes = map[string]string{
	"Fishing Trip":    "fishing",
	"Transport Trip":  "transport",
	"Inspection Trip": "inspection",
	"Patrol Trip":     "patrol",
	"Research Trip":   "research",
}

// TripType returns the backend enum for a label or enum value, defaulting to
// "fishing".
func TripType(label string) string {
	label = strings.TrimSpace(label)
	if v, ok := tripTypes[label]; ok {
		return v
	}
	for _, v := range tripTypes {
		if strings.EqualFold(v, label) {
			return v
		}
	}
	return "fishing"
}

// Draft is a trip-creation payload as built on the device.
type Draft struct {
	TripName               string   `json:"trip_name"`
	FishermanID            *int64   `json:"fisherman_id,omitempty"`
	TripType               string   `json:"trip_type"`
	PortLocation           string   `json:"port_location,omitempty"`
	CrewCount              int      `json:"crew_count"`
	DeparturePort          string   `json:"departure_port,omitempty"`
	DestinationPort        string   `json:"destination_port,omitempty"`
	DepartureDate          string   `json:"departure_date"`
	DepartureTime          string   `json:"departure_time"`
	DepartureLatitude      *float64 `json:"departure_latitude,omitempty"`
	DepartureLongitude     *float64 `json:"departure_longitude,omitempty"`
	FishingMethod          string   `json:"fishing_method,omitempty"`
	TargetSpecies          string   `json:"target_species,omitempty"`
	BoatRegistrationNumber string   `json:"boat_registration_number,omitempty"`
	SeaType                string   `json:"sea_type,omitempty"`
	SeaConditions          string   `json:"sea_conditions,omitempty"`
	EmergencyContact       string   `json:"emergency_contact,omitempty"`
	TripCost               *float64 `json:"trip_cost,omitempty"`
	FuelCost               *float64 `json:"fuel_cost,omitempty"`
	EstimatedCatch         *float64 `json:"estimated_catch,omitempty"`
	EquipmentCost          *float64 `json:"equipment_cost,omitempty"`
	Notes                  string   `json:"notes,omitempty"`
}

// NewTripName returns a display id like TRP-20260501-3F9A1C.
func NewTripName(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "TRP-" + now.Format("20060102") + "-" + id[:6]
}

// Normalize fills defaults derived from other fields.
func (d *Draft) Normalize(now time.Time) {
	if strings.TrimSpace(d.TripName) == "" {
		d.TripName = NewTripName(now)
	}
	if strings.TrimSpace(d.FishingMethod) == "" && strings.TrimSpace(d.TripType) != "" {
		d.FishingMethod = strings.TrimSpace(d.TripType)
	}
	d.TripType = TripType(d.TripType)
	if strings.TrimSpace(d.PortLocation) == "" {
		d.PortLocation = firstNonEmpty(d.DestinationPort, d.DeparturePort)
	}
	if strings.TrimSpace(d.DepartureDate) == "" {
		d.DepartureDate = now.Format("2006-01-02")
	}
	if strings.TrimSpace(d.DepartureTime) == "" {
		d.DepartureTime = now.Format("2006-01-02 03:04 PM")
	}
}

// SetDeparture records the departure position.
func (d *Draft) SetDeparture(lat, lng float64) {
	d.DepartureLatitude = &lat
	d.DepartureLongitude = &lng
}

func (d Draft) Validate() error {
	var problems []string
	if d.DepartureLatitude == nil || d.DepartureLongitude == nil {
		problems = append(problems, "departure location is required")
	}
	if d.CrewCount < 0 {
		problems = append(problems, "crew_count must not be negative")
	}
	if _, err := time.Parse("2006-01-02", d.DepartureDate); err != nil {
		problems = append(problems, fmt.Sprintf("departure_date %q is not YYYY-MM-DD", d.DepartureDate))
	}
	amounts := []struct {
		name string
		v    *float64
	}{
		{"trip_cost", d.TripCost},
		{"fuel_cost", d.FuelCost},
		{"estimated_catch", d.EstimatedCatch},
		{"equipment_cost", d.EquipmentCost},
	}
	for _, a := range amounts {
		if a.v != nil && *a.v < 0 {
			problems = append(problems, a.name+" must not be negative")
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (d Draft) Payload() (json.RawMessage, error) {
	return json.Marshal(d)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
