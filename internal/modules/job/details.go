// README: Typed job-details variants; each service type checks its own required fields.
package job

import (
	"encoding/json"
	"fmt"

	"roadcall/internal/faults"
)

// Details is the tagged variant carrying service-type specific attributes.
// Each variant validates its required fields at construction so malformed
// metadata never reaches the store.
type Details interface {
	ServiceType() string
	// VehicleRef is the customer-owned vehicle this job concerns; ownership
	// is verified against the vehicle registry at broadcast creation.
	VehicleRef() string
	Validate() error
}

const (
	ServiceTowing     = "towing"
	ServiceMobileWash = "mobile_wash"
)

// TowingDetails describes an emergency towing request.
type TowingDetails struct {
	VehicleID        string `json:"vehicle_id"`
	VehicleCondition string `json:"vehicle_condition"` // e.g. "no_start", "accident", "flat_tire"
	NeedsFlatbed     bool   `json:"needs_flatbed"`
}

func (d TowingDetails) ServiceType() string { return ServiceTowing }

func (d TowingDetails) VehicleRef() string { return d.VehicleID }

func (d TowingDetails) Validate() error {
	if d.VehicleID == "" {
		return faults.New(faults.Validation, "towing details require a vehicle id")
	}
	if d.VehicleCondition == "" {
		return faults.New(faults.Validation, "towing details require a vehicle condition")
	}
	return nil
}

// WashDetails describes an on-site mobile car-wash request.
type WashDetails struct {
	VehicleID         string `json:"vehicle_id"`
	Package           string `json:"package"` // e.g. "exterior", "full"
	WaterSupplyOnSite bool   `json:"water_supply_on_site"`
}

func (d WashDetails) ServiceType() string { return ServiceMobileWash }

func (d WashDetails) VehicleRef() string { return d.VehicleID }

func (d WashDetails) Validate() error {
	if d.VehicleID == "" {
		return faults.New(faults.Validation, "wash details require a vehicle id")
	}
	if d.Package == "" {
		return faults.New(faults.Validation, "wash details require a package")
	}
	return nil
}

// detailsEnvelope is the persisted JSONB form: a type tag plus the variant body.
type detailsEnvelope struct {
	Type  string          `json:"type"`
	Attrs json.RawMessage `json:"attrs"`
}

// EncodeDetails serialises a validated variant for storage.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, faults.New(faults.Validation, "job details are required")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	attrs, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return json.Marshal(detailsEnvelope{Type: d.ServiceType(), Attrs: attrs})
}

// DecodeDetails restores the variant from its stored form.
func DecodeDetails(raw []byte) (Details, error) {
	var env detailsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal details envelope: %w", err)
	}
	switch env.Type {
	case ServiceTowing:
		var d TowingDetails
		if err := json.Unmarshal(env.Attrs, &d); err != nil {
			return nil, fmt.Errorf("unmarshal towing details: %w", err)
		}
		return d, nil
	case ServiceMobileWash:
		var d WashDetails
		if err := json.Unmarshal(env.Attrs, &d); err != nil {
			return nil, fmt.Errorf("unmarshal wash details: %w", err)
		}
		return d, nil
	default:
		return nil, faults.Newf(faults.Validation, "unknown service type %q", env.Type)
	}
}
