package model

import (
	"fmt"
	"regexp"
	"strings"
)

// TriggerPolicy decides whether a message produces extraction and
// reconciliation for one destination. Raw config strings are parsed once at
// the repository boundary; the rest of the pipeline only sees these variants.
type TriggerPolicy string

const (
	TriggerFirstContact     TriggerPolicy = "on-first-contact"
	TriggerDetectedInterest TriggerPolicy = "on-detected-interest"
	TriggerManual           TriggerPolicy = "manual"
)

// ParseTriggerPolicy maps a raw config value to a policy variant.
// Unrecognized values fall back to on-first-contact, the safe default.
func ParseTriggerPolicy(s string) TriggerPolicy {
	switch TriggerPolicy(strings.TrimSpace(strings.ToLower(s))) {
	case TriggerDetectedInterest:
		return TriggerDetectedInterest
	case TriggerManual:
		return TriggerManual
	default:
		return TriggerFirstContact
	}
}

// SemanticType labels what a column means, driving the default extraction
// prompt and the deterministic fallback applied during row assembly.
type SemanticType string

const (
	SemanticText    SemanticType = "text"
	SemanticName    SemanticType = "name"
	SemanticPhone   SemanticType = "phone"
	SemanticDate    SemanticType = "date"
	SemanticProduct SemanticType = "product"
	SemanticInquiry SemanticType = "inquiry"
	SemanticCustom  SemanticType = "custom"
)

// ParseSemanticType maps a raw config value to a semantic type.
// Unrecognized values become custom, which gets no fallback.
func ParseSemanticType(s string) SemanticType {
	switch SemanticType(strings.TrimSpace(strings.ToLower(s))) {
	case SemanticText, SemanticName, SemanticPhone, SemanticDate, SemanticProduct, SemanticInquiry:
		return SemanticType(strings.TrimSpace(strings.ToLower(s)))
	default:
		return SemanticCustom
	}
}

var columnAddrRe = regexp.MustCompile(`^[A-Z]{1,3}$`)

// ColumnSpec describes one destination column. Address is the sheet column
// letter ("A".."ZZZ"); column order in the config is independent of the
// destination layout.
type ColumnSpec struct {
	ID          string
	DisplayName string
	Type        SemanticType
	Prompt      string
	Address     string
}

// Destination is one validated, active spreadsheet-style target.
type Destination struct {
	ID                 string
	SpreadsheetID      string
	SheetName          string
	Active             bool
	TriggerPolicy      TriggerPolicy
	AutoUpdateExisting bool
	InterestKeywords   []string
	Columns            []ColumnSpec
}

// Validate checks the invariants the pipeline relies on. It runs once at
// the config-store boundary.
func (d *Destination) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("destination has empty id")
	}
	if d.SpreadsheetID == "" {
		return fmt.Errorf("destination %s has empty spreadsheet id", d.ID)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("destination %s has no columns", d.ID)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if c.ID == "" {
			return fmt.Errorf("destination %s has a column with empty id", d.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("destination %s has duplicate column id %q", d.ID, c.ID)
		}
		seen[c.ID] = true
		if !columnAddrRe.MatchString(c.Address) {
			return fmt.Errorf("destination %s column %s has bad address %q", d.ID, c.ID, c.Address)
		}
	}
	return nil
}

// KeyColumn returns the column used for row lookup: the first phone-typed
// column, or nil when the destination has no usable key (append-only).
func (d *Destination) KeyColumn() *ColumnSpec {
	for i := range d.Columns {
		if d.Columns[i].Type == SemanticPhone {
			return &d.Columns[i]
		}
	}
	return nil
}

// ColumnIndex converts a column letter to its 1-based index ("A"=1, "AA"=27).
func ColumnIndex(addr string) int {
	n := 0
	for _, r := range addr {
		n = n*26 + int(r-'A') + 1
	}
	return n
}
