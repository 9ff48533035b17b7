package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"presence-verifier/internal/cache"
	"presence-verifier/internal/models"
)

// MatchInput is everything a matcher needs to judge one submission
type MatchInput struct {
	EvidenceID    string
	Session       *models.Session
	Round         *models.Round
	ParticipantID string
	Whitelist     map[string]struct{}
	CapturedAt    time.Time
	IsLate        bool

	// device proximity
	SubmitterDeviceID string
	ScannedDevices    []models.ScannedDevice
	// DeviceClaimedBy is the participant already holding the submitter device this round
	DeviceClaimedBy string

	// location
	Fix      *models.LocationFix
	Previous *models.LocationFix
	CheckIn  *models.LocationFix
}

// MatchResult is the built evidence record plus anomalies to persist with it
type MatchResult struct {
	Record   models.EvidenceRecord
	Findings []Finding
}

// EvidenceMatcher validates evidence for one session mode
type EvidenceMatcher interface {
	Mode() models.SessionMode
	Match(in MatchInput) MatchResult
}

func baseRecord(in MatchInput, payload interface{}) models.EvidenceRecord {
	data, err := sonic.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return models.EvidenceRecord{
		ID:                in.EvidenceID,
		SessionID:         in.Session.ID,
		RoundID:           in.Round.ID,
		ParticipantID:     in.ParticipantID,
		SubmitterDeviceID: in.SubmitterDeviceID,
		Payload:           data,
		CapturedAt:        in.CapturedAt,
		IsLate:            in.IsLate,
	}
}

// DeviceProximityMatcher accepts a scan when the submitting device is on the whitelist
type DeviceProximityMatcher struct {
	minSignal int
}

func NewDeviceProximityMatcher(minSignal int) *DeviceProximityMatcher {
	return &DeviceProximityMatcher{minSignal: minSignal}
}

func (m *DeviceProximityMatcher) Mode() models.SessionMode { return models.ModeDeviceProximity }

func (m *DeviceProximityMatcher) Match(in MatchInput) MatchResult {
	record := baseRecord(in, in.ScannedDevices)
	submitter := cache.NormalizeID(in.SubmitterDeviceID)

	seen := map[string]bool{}
	for _, d := range in.ScannedDevices {
		id := cache.NormalizeID(d.DeviceID)
		if id == "" || id == submitter || seen[id] || d.SignalStrength < m.minSignal {
			continue
		}
		if _, ok := in.Whitelist[id]; ok {
			seen[id] = true
			record.MatchedDevices = append(record.MatchedDevices, id)
		}
	}
	sort.Strings(record.MatchedDevices)

	if _, ok := in.Whitelist[submitter]; !ok || submitter == "" {
		record.IsValid = false
		record.Status = models.EvidenceUnauthorized
		return MatchResult{Record: record}
	}

	record.IsValid = true
	record.Status = models.EvidenceValid
	var findings []Finding
	if in.DeviceClaimedBy != "" && in.DeviceClaimedBy != in.ParticipantID {
		record.Status = models.EvidenceSuspicious
		findings = append(findings, Finding{
			Type:     models.AnomalySpoofing,
			Severity: models.SeverityHigh,
			Detail:   fmt.Sprintf("device %s already verified participant %s in this round", submitter, in.DeviceClaimedBy),
		})
	}
	return MatchResult{Record: record, Findings: findings}
}

// LocationMatcher accepts a fix within the session radius and runs anomaly rules on it
type LocationMatcher struct {
	detector *AnomalyDetector
}

func NewLocationMatcher(detector *AnomalyDetector) *LocationMatcher {
	return &LocationMatcher{detector: detector}
}

func (m *LocationMatcher) Mode() models.SessionMode { return models.ModeLocation }

func (m *LocationMatcher) Match(in MatchInput) MatchResult {
	fix := models.LocationFix{CapturedAt: in.CapturedAt}
	if in.Fix != nil {
		fix = *in.Fix
	}
	record := baseRecord(in, fix)

	if _, ok := in.Whitelist[cache.NormalizeID(in.ParticipantID)]; !ok {
		record.IsValid = false
		record.Status = models.EvidenceUnauthorized
		return MatchResult{Record: record}
	}

	// unusable coordinates are kept as suspicious evidence rather than rejected
	if in.Fix == nil || !ValidCoordinates(fix.Latitude, fix.Longitude) {
		record.IsValid = false
		record.Status = models.EvidenceSuspicious
		return MatchResult{Record: record, Findings: []Finding{{
			Type:     models.AnomalySpoofing,
			Severity: models.SeverityMedium,
			Detail:   "location fix has invalid coordinates",
		}}}
	}

	lat, lon := fix.Latitude, fix.Longitude
	record.Latitude = &lat
	record.Longitude = &lon

	s := in.Session
	record.DistanceFromOfficeMeters = HaversineMeters(s.OfficeLatitude, s.OfficeLongitude, lat, lon)
	if in.CheckIn != nil {
		record.DistanceFromCheckInMeters = HaversineMeters(in.CheckIn.Latitude, in.CheckIn.Longitude, lat, lon)
	}

	speed, findings := m.detector.Movement(in.Previous, fix)
	record.SpeedMps = speed
	findings = append(findings, m.detector.Range(record.DistanceFromOfficeMeters, s.RadiusMeters)...)

	// without a configured radius nothing is in range
	inRange := s.RadiusMeters > 0 && record.DistanceFromOfficeMeters <= s.RadiusMeters
	switch {
	case !inRange:
		record.IsValid = false
		record.Status = models.EvidenceOutOfRange
	case len(findings) > 0:
		record.IsValid = true
		record.Status = models.EvidenceSuspicious
	default:
		record.IsValid = true
		record.Status = models.EvidenceValid
	}
	return MatchResult{Record: record, Findings: findings}
}
