package device

import (
	"fmt"
	"unicode/utf8"
)

// IdentifierLength is the exact length of tenant and device identifiers
// accepted by the management API.
const IdentifierLength = 6

const (
	maxDescriptionLength = 255
	maxCountryLength     = 64
	maxTimezoneLength    = 64
)

// ValidateIdentifier checks that id is exactly IdentifierLength characters.
func ValidateIdentifier(kind, id string) error {
	if utf8.RuneCountInString(id) != IdentifierLength {
		return fmt.Errorf("%w: %s %q must be exactly %d characters",
			ErrInvalidIdentifier, kind, id, IdentifierLength)
	}
	return nil
}

// ValidateDevice checks a device before it is stored.
func ValidateDevice(d *Device) error {
	if err := ValidateIdentifier("device_identifier", d.DeviceIdentifier); err != nil {
		return err
	}
	return validateFields(&d.Description, d.Longitude, d.Latitude, &d.Country, &d.Timezone)
}

// ValidateUpdate checks the fields an Update would write.
func ValidateUpdate(u Update) error {
	if u.Empty() {
		return fmt.Errorf("%w: no fields to update", ErrInvalidDevice)
	}
	return validateFields(u.Description, u.Longitude, u.Latitude, u.Country, u.Timezone)
}

func validateFields(description *string, long, lat *float64, country, timezone *string) error {
	if description != nil && len(*description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidDevice, maxDescriptionLength)
	}
	if long != nil && (*long < -180 || *long > 180) {
		return fmt.Errorf("%w: long %v out of range [-180, 180]", ErrInvalidDevice, *long)
	}
	if lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("%w: lat %v out of range [-90, 90]", ErrInvalidDevice, *lat)
	}
	if country != nil && len(*country) > maxCountryLength {
		return fmt.Errorf("%w: country exceeds %d characters", ErrInvalidDevice, maxCountryLength)
	}
	if timezone != nil && len(*timezone) > maxTimezoneLength {
		return fmt.Errorf("%w: timezone exceeds %d characters", ErrInvalidDevice, maxTimezoneLength)
	}
	return nil
}
