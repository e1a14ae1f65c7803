package consent

import "Mansoor88-6/consent-analytics-agent/internal/models"

// PurposeMap maps each event type to the purposes it requires
type PurposeMap map[models.EventType][]models.Purpose

// DefaultPurposeMap routes every event type to necessary only.
// TODO: confirm with product whether track/page should require measurement.
func DefaultPurposeMap() PurposeMap {
	return PurposeMap{
		models.EventTrack:    {models.PurposeNecessary},
		models.EventPage:     {models.PurposeNecessary},
		models.EventIdentify: {models.PurposeNecessary},
		models.EventGroup:    {models.PurposeNecessary},
		models.EventAlias:    {models.PurposeNecessary},
	}
}

var defaultPurposes = DefaultPurposeMap()

// Required returns the purposes an event type needs.
// Unmapped types fall back to necessary.
func (m PurposeMap) Required(t models.EventType) []models.Purpose {
	purposes, ok := m[t]
	if !ok || len(purposes) == 0 {
		return []models.Purpose{models.PurposeNecessary}
	}
	out := make([]models.Purpose, len(purposes))
	copy(out, purposes)
	return out
}

// IsEligible reports whether every purpose the event type requires is granted
func (m PurposeMap) IsEligible(t models.EventType, c models.AnalyticsConsent) bool {
	for _, p := range m.Required(t) {
		if !c.Granted(p) {
			return false
		}
	}
	return true
}

// DependsOnAny reports whether the event type requires any of the given purposes
func (m PurposeMap) DependsOnAny(t models.EventType, purposes []models.Purpose) bool {
	for _, required := range m.Required(t) {
		for _, p := range purposes {
			if required == p {
				return true
			}
		}
	}
	return false
}

// RequiredPurposes looks up the default table
func RequiredPurposes(t models.EventType) []models.Purpose {
	return defaultPurposes.Required(t)
}

// IsEligible checks the event type against the default table
func IsEligible(t models.EventType, c models.AnalyticsConsent) bool {
	return defaultPurposes.IsEligible(t, c)
}

// DependsOnAny checks the event type against the default table
func DependsOnAny(t models.EventType, purposes []models.Purpose) bool {
	return defaultPurposes.DependsOnAny(t, purposes)
}

// RevokedPurposes returns purposes granted in prev but not in next
func RevokedPurposes(prev, next models.AnalyticsConsent) []models.Purpose {
	var revoked []models.Purpose
	for _, p := range models.AllPurposes {
		if prev.Granted(p) && !next.Granted(p) {
			revoked = append(revoked, p)
		}
	}
	return revoked
}

// GrantedPurposes returns purposes denied in prev but granted in next
func GrantedPurposes(prev, next models.AnalyticsConsent) []models.Purpose {
	var granted []models.Purpose
	for _, p := range models.AllPurposes {
		if !prev.Granted(p) && next.Granted(p) {
			granted = append(granted, p)
		}
	}
	return granted
}

// Merge returns the most permissive combination of two consents
func Merge(a, b models.AnalyticsConsent) models.AnalyticsConsent {
	merged := models.AnalyticsConsent{
		Necessary:     true,
		Measurement:   a.Measurement || b.Measurement,
		Marketing:     a.Marketing || b.Marketing,
		Functionality: a.Functionality || b.Functionality,
		Experience:    a.Experience || b.Experience,
	}
	switch {
	case a.DateConsented != nil && b.DateConsented != nil:
		d := *a.DateConsented
		if b.DateConsented.After(d) {
			d = *b.DateConsented
		}
		merged.DateConsented = &d
	case a.DateConsented != nil:
		d := *a.DateConsented
		merged.DateConsented = &d
	case b.DateConsented != nil:
		d := *b.DateConsented
		merged.DateConsented = &d
	}
	return merged
}
