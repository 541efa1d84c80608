package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// ErrLatitudeInvalid is returned when latitude is not a number in [-90, 90].
var ErrLatitudeInvalid = errors.New("latitude must be a number between -90 and 90")

// ErrLongitudeInvalid is returned when longitude is not a number in [-180, 180].
var ErrLongitudeInvalid = errors.New("longitude must be a number between -180 and 180")

// ErrNameEmpty is returned when a circuit or route name is empty after trim.
var ErrNameEmpty = errors.New("name is required")

// ErrNameTooLong is returned when a name exceeds the maximum length.
var ErrNameTooLong = errors.New("name too long")

// ErrNameInvalidChars is returned when a name contains disallowed characters.
var ErrNameInvalidChars = errors.New("name contains invalid characters")

// ParseCoordinates parses and range-checks lat/lon query parameters.
func ParseCoordinates(latStr, lonStr string) (lat, lon float64, err error) {
	lat, err = strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, ErrLatitudeInvalid
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil || lon < -180 || lon > 180 {
		return 0, 0, ErrLongitudeInvalid
	}
	return lat, lon, nil
}

// ValidateName trims the input and restricts circuit/route names to letters,
// digits, space, hyphen and underscore, with a length cap in runes. Names feed
// registry lookups and route file resolution, so path separators and dots are
// rejected outright. Returns the trimmed name.
func ValidateName(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNameEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// isAllowedNameRune returns true for letters (Unicode), digits, space, hyphen, underscore.
func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', '-', '_':
		return true
	}
	return false
}
