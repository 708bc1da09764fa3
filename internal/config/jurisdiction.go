package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Jurisdictions maps jurisdiction codes to the minimum number of days a
// provider's share is held after the session ends.  The file looks like:
//
//	default_delay_days: 7
//	jurisdictions:
//	  US: 7
//	  GB: 5
type Jurisdictions struct {
	DefaultDelayDays int            `yaml:"default_delay_days"`
	Days             map[string]int `yaml:"jurisdictions"`
}

// LoadJurisdictions reads the table at path.  An empty path yields a table
// that answers defaultDays for every code.
func LoadJurisdictions(path string, defaultDays int) (Jurisdictions, error) {
	j := Jurisdictions{DefaultDelayDays: defaultDays, Days: map[string]int{}}
	if path == "" {
		return j, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return j, fmt.Errorf("read jurisdictions: %w", err)
	}
	return ParseJurisdictions(raw, defaultDays)
}

// ParseJurisdictions decodes a YAML table.  Codes are upper-cased and
// non-positive day counts are rejected.
func ParseJurisdictions(raw []byte, defaultDays int) (Jurisdictions, error) {
	var parsed Jurisdictions
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Jurisdictions{}, fmt.Errorf("parse jurisdictions: %w", err)
	}
	j := Jurisdictions{DefaultDelayDays: defaultDays, Days: map[string]int{}}
	if parsed.DefaultDelayDays > 0 {
		j.DefaultDelayDays = parsed.DefaultDelayDays
	}
	for code, days := range parsed.Days {
		if days < 1 {
			return Jurisdictions{}, fmt.Errorf("jurisdiction %s: delay must be at least 1 day, got %d", code, days)
		}
		j.Days[strings.ToUpper(strings.TrimSpace(code))] = days
	}
	return j, nil
}

// MinimumDelayDays returns the holding period for code, falling back to
// the default for unknown or empty codes.
func (j Jurisdictions) MinimumDelayDays(code string) int {
	if d, ok := j.Days[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return d
	}
	return j.DefaultDelayDays
}
