package models

import "time"

// Purpose is a named category of data-processing consent
type Purpose string

const (
	PurposeNecessary     Purpose = "necessary"
	PurposeMeasurement   Purpose = "measurement"
	PurposeMarketing     Purpose = "marketing"
	PurposeFunctionality Purpose = "functionality"
	PurposeExperience    Purpose = "experience"
)

// AllPurposes lists every purpose in a stable order
var AllPurposes = []Purpose{
	PurposeNecessary,
	PurposeMeasurement,
	PurposeMarketing,
	PurposeFunctionality,
	PurposeExperience,
}

// AnalyticsConsent is the set of granted purposes for a visitor.
// Necessary is always treated as granted regardless of the stored value.
type AnalyticsConsent struct {
	Necessary     bool       `json:"necessary"`
	Measurement   bool       `json:"measurement"`
	Marketing     bool       `json:"marketing"`
	Functionality bool       `json:"functionality"`
	Experience    bool       `json:"experience"`
	DateConsented *time.Time `json:"dateConsented,omitempty"`
}

// DefaultConsent returns the consent a new visitor starts with
func DefaultConsent() AnalyticsConsent {
	return AnalyticsConsent{Necessary: true}
}

// Granted reports whether the purpose is permitted
func (c AnalyticsConsent) Granted(p Purpose) bool {
	switch p {
	case PurposeNecessary:
		return true
	case PurposeMeasurement:
		return c.Measurement
	case PurposeMarketing:
		return c.Marketing
	case PurposeFunctionality:
		return c.Functionality
	case PurposeExperience:
		return c.Experience
	default:
		return false
	}
}

// Normalize returns a copy with necessary forced on
func (c AnalyticsConsent) Normalize() AnalyticsConsent {
	c.Necessary = true
	if c.DateConsented != nil {
		t := *c.DateConsented
		c.DateConsented = &t
	}
	return c
}

// Equal compares the purpose flags, ignoring DateConsented
func (c AnalyticsConsent) Equal(other AnalyticsConsent) bool {
	for _, p := range AllPurposes {
		if c.Granted(p) != other.Granted(p) {
			return false
		}
	}
	return true
}

// ToMap returns the purpose flags keyed by purpose
func (c AnalyticsConsent) ToMap() map[Purpose]bool {
	m := make(map[Purpose]bool, len(AllPurposes))
	for _, p := range AllPurposes {
		m[p] = c.Granted(p)
	}
	return m
}

// ConsentFromMap builds a consent from purpose flags; missing purposes are denied
func ConsentFromMap(m map[Purpose]bool) AnalyticsConsent {
	return AnalyticsConsent{
		Necessary:     true,
		Measurement:   m[PurposeMeasurement],
		Marketing:     m[PurposeMarketing],
		Functionality: m[PurposeFunctionality],
		Experience:    m[PurposeExperience],
	}
}

// ConsentChangeEvent is an audit record of a single consent change
type ConsentChangeEvent struct {
	ID              string           `json:"id"`
	PreviousConsent AnalyticsConsent `json:"previousConsent"`
	NewConsent      AnalyticsConsent `json:"newConsent"`
	Source          string           `json:"source"`
	Reason          string           `json:"reason,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	TabID           string           `json:"tabId"`
	UserAgent       string           `json:"userAgent,omitempty"`
}

// Consent change sources
const (
	SourceUserAction   = "user-action"
	SourceCrossTabSync = "cross-tab-sync"
	SourceReset        = "reset"
	SourceStorage      = "storage"
	SourceInitial      = "initial"
)

// ConsentStats tracks synchronization activity for one tab
type ConsentStats struct {
	TotalChanges      int       `json:"totalChanges"`
	CrossTabSyncs     int       `json:"crossTabSyncs"`
	ConflictsResolved int       `json:"conflictsResolved"`
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp"`
	ActiveTabsCount   int       `json:"activeTabsCount"`
}

// ConsentSyncState is the consent state owned by one tab
type ConsentSyncState struct {
	Consent     AnalyticsConsent `json:"consent"`
	Loading     bool             `json:"loading"`
	Error       string           `json:"error,omitempty"`
	LastUpdated time.Time        `json:"lastUpdated"`
	Source      string           `json:"source"`
	TabID       string           `json:"tabId"`
	Stats       ConsentStats     `json:"stats"`
}

// ConflictResolution selects how concurrent consent updates are reconciled
type ConflictResolution string

const (
	ResolutionLatest     ConflictResolution = "latest"
	ResolutionUserChoice ConflictResolution = "user-choice"
	ResolutionMerge      ConflictResolution = "merge"
	ResolutionCustom     ConflictResolution = "custom"
)

// CustomResolver resolves a conflict with caller-supplied logic
type CustomResolver func(conflict ConflictInfo) AnalyticsConsent

// ConflictInfo describes two competing consent values
type ConflictInfo struct {
	LocalConsent    AnalyticsConsent
	RemoteConsent   AnalyticsConsent
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
	Resolution      ConflictResolution
	Resolver        CustomResolver
}
