package cdr

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseCallRecord converts a raw Graph callRecord object into a CallRecord.
// Missing or malformed fields fall back to defaults; it never fails.
func ParseCallRecord(raw map[string]interface{}) CallRecord {
	record := CallRecord{
		ID:           stringField(raw, "id"),
		CallType:     ParseCallType(stringField(raw, "type")),
		EndTime:      ParseDateTime(stringField(raw, "endDateTime")),
		Participants: parseParticipants(raw["participants"]),
		Sessions:     []CallSession{},
		Modalities:   parseModalities(raw["modalities"]),
		Version:      intField(raw, "version", 1),
		JoinWebURL:   optionalString(raw, "joinWebUrl"),
	}
	if start := ParseDateTime(stringField(raw, "startDateTime")); start != nil {
		record.StartTime = *start
	}

	organizer, ok := raw["organizer"]
	if !ok || organizer == nil {
		organizer = raw["organizer_v2"]
	}
	if record.Organizer = ParseParticipant(organizer); record.Organizer != nil {
		record.Organizer.IsOrganizer = true
		markOrganizer(record.Participants, record.Organizer.Identifier())
	}

	return record
}

// ParseSession converts a raw Graph session object into a CallSession
func ParseSession(raw map[string]interface{}) CallSession {
	session := CallSession{
		ID:         stringField(raw, "id"),
		Caller:     ParseParticipant(raw["caller"]),
		Callee:     ParseParticipant(raw["callee"]),
		StartTime:  ParseDateTime(stringField(raw, "startDateTime")),
		EndTime:    ParseDateTime(stringField(raw, "endDateTime")),
		Modalities: parseModalities(raw["modalities"]),
		Quality:    parseSegmentQuality(raw["segments"]),
	}
	if failure := mapField(raw, "failureInfo"); failure != nil {
		session.FailureInfo = optionalString(failure, "reason")
	}
	return session
}

// ParseSessions converts every object in raw, skipping anything that is not
// an object
func ParseSessions(raw []map[string]interface{}) []CallSession {
	sessions := make([]CallSession, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		sessions = append(sessions, ParseSession(item))
	}
	return sessions
}

// ParseParticipant converts a raw participant or identity-set object. It
// returns nil when raw is absent, empty or not an object.
func ParseParticipant(raw interface{}) *Participant {
	m, ok := raw.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}

	// participants_v2 wrap the identity set; organizer and participants on
	// older records are the identity set itself
	identity := mapField(m, "identity")
	if identity == nil {
		identity = m
	}
	user := mapField(identity, "user")

	participant := &Participant{
		ID:          optionalString(m, "id"),
		DisplayName: optionalString(user, "displayName"),
		Email:       optionalString(identity, "userPrincipalName"),
		AccountID:   optionalString(user, "id"),
	}
	if participant.ID == nil {
		participant.ID = participant.AccountID
	}
	if participant.Email == nil {
		participant.Email = optionalString(user, "userPrincipalName")
	}
	if phone := mapField(identity, "phone"); phone != nil {
		participant.PhoneNumber = optionalString(phone, "id")
	}
	return participant
}

// ParseDateTime parses an ISO-8601 timestamp. A trailing "Z" is stripped
// first; values without an offset are taken as UTC. Empty or unparseable
// input yields nil.
func ParseDateTime(value string) *time.Time {
	value = strings.TrimSuffix(strings.TrimSpace(value), "Z")
	if value == "" {
		return nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses the ISO-8601 durations Graph uses for jitter and
// round-trip time, such as "PT0.012S" or "PT1M3S"
func ParseISODuration(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	match := isoDurationPattern.FindStringSubmatch(value)
	if match == nil || value == "P" || value == "PT" {
		return 0, false
	}

	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if match[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(match[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += time.Duration(n) * unit
	}
	if match[4] != "" {
		secs, err := strconv.ParseFloat(match[4], 64)
		if err != nil {
			return 0, false
		}
		total += time.Duration(math.Round(secs * float64(time.Second)))
	}
	return total, true
}

// parseSegmentQuality folds the stream metrics of every segment into one
// CallQuality, keeping the worst value seen for each metric
func parseSegmentQuality(raw interface{}) *CallQuality {
	segments, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	quality := &CallQuality{}
	found := false
	for _, segment := range segments {
		for _, media := range objects(mapValue(segment)["media"]) {
			for _, stream := range objects(media["streams"]) {
				found = mergeStream(quality, stream) || found
			}
		}
	}
	if !found {
		return nil
	}
	return quality
}

func mergeStream(q *CallQuality, stream map[string]interface{}) bool {
	found := false
	higher := func(dst **float64, key string) {
		if v, ok := floatField(stream, key); ok {
			found = true
			if *dst == nil || v > **dst {
				*dst = &v
			}
		}
	}
	longer := func(dst **time.Duration, key string) {
		if d, ok := ParseISODuration(stringField(stream, key)); ok {
			found = true
			if *dst == nil || d > **dst {
				*dst = &d
			}
		}
	}

	higher(&q.AveragePacketLossRate, "averagePacketLossRate")
	higher(&q.MaxPacketLossRate, "maxPacketLossRate")
	higher(&q.AverageAudioDegradation, "averageAudioDegradation")
	longer(&q.AverageJitter, "averageJitter")
	longer(&q.MaxJitter, "maxJitter")
	longer(&q.AverageRoundTripTime, "averageRoundTripTime")

	// lower frame rate is worse
	if v, ok := floatField(stream, "averageVideoFrameRate"); ok {
		found = true
		if q.AverageVideoFrameRate == nil || v < *q.AverageVideoFrameRate {
			q.AverageVideoFrameRate = &v
		}
	}
	return found
}

func parseParticipants(raw interface{}) []Participant {
	participants := []Participant{}
	items, ok := raw.([]interface{})
	if !ok {
		return participants
	}
	for _, item := range items {
		if p := ParseParticipant(item); p != nil {
			participants = append(participants, *p)
		}
	}
	return participants
}

func parseModalities(raw interface{}) []Modality {
	modalities := []Modality{}
	items, ok := raw.([]interface{})
	if !ok {
		return modalities
	}
	for _, item := range items {
		s, _ := item.(string)
		modalities = append(modalities, ParseModality(s))
	}
	return modalities
}

func markOrganizer(participants []Participant, organizer string) {
	if organizer == UnknownIdentifier {
		return
	}
	for i := range participants {
		if participants[i].Identifier() == organizer {
			participants[i].IsOrganizer = true
		}
	}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func optionalString(m map[string]interface{}, key string) *string {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func intField(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}

func floatField(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	return mapValue(m[key])
}

func mapValue(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func objects(raw interface{}) []map[string]interface{} {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	result := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			result = append(result, m)
		}
	}
	return result
}
