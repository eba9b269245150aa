package timeutil

import "time"

// gatewayLocation is the zone QPay uses for timestamps that carry no offset.
var gatewayLocation = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Ulaanbaatar")
	if err != nil {
		return time.FixedZone("Asia/Ulaanbaatar", 8*60*60)
	}
	return loc
}

// ParseLocal parses value with layout. Values without an offset are read as gateway
// local time. The result is in UTC.
func ParseLocal(layout, value string) (time.Time, error) {
	t, err := time.ParseInLocation(layout, value, gatewayLocation)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
