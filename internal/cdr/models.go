// Package cdr defines Microsoft Teams call detail records and the logic that
// normalizes, aggregates and renders them
package cdr

import (
	"fmt"
	"strings"
	"time"
)

// CallType is the kind of Teams call
type CallType string

const (
	CallTypeUnknown    CallType = "unknown"
	CallTypeGroupCall  CallType = "groupCall"
	CallTypePeerToPeer CallType = "peerToPeer"
	CallTypeMeeting    CallType = "meeting"
)

// ParseCallType maps a raw API value to a CallType. Empty and unrecognized
// values yield CallTypeUnknown.
func ParseCallType(value string) CallType {
	switch CallType(value) {
	case CallTypeGroupCall, CallTypePeerToPeer, CallTypeMeeting, CallTypeUnknown:
		return CallType(value)
	default:
		return CallTypeUnknown
	}
}

// Modality is a media type carried during a call
type Modality string

const (
	ModalityAudio                   Modality = "audio"
	ModalityVideo                   Modality = "video"
	ModalityVideoBasedScreenSharing Modality = "videoBasedScreenSharing"
	ModalityData                    Modality = "data"
	ModalityScreenSharing           Modality = "screenSharing"
	ModalityUnknown                 Modality = "unknown"
)

// ParseModality maps a raw API value to a Modality. Empty and unrecognized
// values yield ModalityUnknown.
func ParseModality(value string) Modality {
	switch Modality(value) {
	case ModalityAudio, ModalityVideo, ModalityVideoBasedScreenSharing,
		ModalityData, ModalityScreenSharing, ModalityUnknown:
		return Modality(value)
	default:
		return ModalityUnknown
	}
}

const (
	maxGoodPacketLossRate = 0.05
	maxGoodJitter         = 30 * time.Millisecond
)

// CallQuality holds quality metrics for a call or session. Nil fields were not
// reported by the API.
type CallQuality struct {
	AverageAudioDegradation *float64       `json:"average_audio_degradation,omitempty"`
	AverageJitter           *time.Duration `json:"average_jitter,omitempty"`
	AveragePacketLossRate   *float64       `json:"average_packet_loss_rate,omitempty"`
	AverageRoundTripTime    *time.Duration `json:"average_round_trip_time,omitempty"`
	AverageVideoFrameRate   *float64       `json:"average_video_frame_rate,omitempty"`
	MaxJitter               *time.Duration `json:"max_jitter,omitempty"`
	MaxPacketLossRate       *float64       `json:"max_packet_loss_rate,omitempty"`
}

// IsGoodQuality reports false when packet loss is above 5% or jitter above
// 30ms. Missing metrics count as no evidence of poor quality.
func (q *CallQuality) IsGoodQuality() bool {
	if q.AveragePacketLossRate != nil && *q.AveragePacketLossRate > maxGoodPacketLossRate {
		return false
	}
	if q.AverageJitter != nil && *q.AverageJitter > maxGoodJitter {
		return false
	}
	return true
}

// Participant is a party to a Teams call
type Participant struct {
	ID          *string `json:"id,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	AccountID   *string `json:"account_id,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	IsOrganizer bool    `json:"is_organizer"`
}

// UnknownIdentifier is returned by Identifier when no identity field is set
const UnknownIdentifier = "Unknown"

// Identifier returns the best available identifier: email, display name,
// account id, raw id, then UnknownIdentifier.
func (p *Participant) Identifier() string {
	for _, candidate := range []*string{p.Email, p.DisplayName, p.AccountID, p.ID} {
		if candidate != nil && *candidate != "" {
			return *candidate
		}
	}
	return UnknownIdentifier
}

// CallSession is one leg of a call
type CallSession struct {
	ID          string       `json:"id"`
	Caller      *Participant `json:"caller,omitempty"`
	Callee      *Participant `json:"callee,omitempty"`
	StartTime   *time.Time   `json:"start_time,omitempty"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	Modalities  []Modality   `json:"modalities"`
	Quality     *CallQuality `json:"quality,omitempty"`
	FailureInfo *string      `json:"failure_info,omitempty"`
}

// Duration returns end minus start, or false when either is missing
func (s *CallSession) Duration() (time.Duration, bool) {
	return span(s.StartTime, s.EndTime)
}

// DurationSeconds returns the duration truncated to whole seconds
func (s *CallSession) DurationSeconds() (int64, bool) {
	d, ok := s.Duration()
	if !ok {
		return 0, false
	}
	return int64(d / time.Second), true
}

// Summary renders the session as a single line
func (s *CallSession) Summary() string {
	parts := []string{fmt.Sprintf("Session %s", s.ID)}
	if s.Caller != nil {
		parts = append(parts, "caller "+s.Caller.Identifier())
	}
	if s.Callee != nil {
		parts = append(parts, "callee "+s.Callee.Identifier())
	}
	if secs, ok := s.DurationSeconds(); ok {
		parts = append(parts, "duration "+FormatDuration(secs))
	}
	if len(s.Modalities) > 0 {
		parts = append(parts, "modalities "+joinModalities(s.Modalities))
	}
	if s.FailureInfo != nil {
		parts = append(parts, "failure "+*s.FailureInfo)
	}
	return strings.Join(parts, ", ")
}

// CallRecord is a Teams call record, the aggregate root for sessions and
// participants
type CallRecord struct {
	ID           string        `json:"id"`
	CallType     CallType      `json:"call_type"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Organizer    *Participant  `json:"organizer,omitempty"`
	Participants []Participant `json:"participants"`
	Sessions     []CallSession `json:"sessions"`
	Modalities   []Modality    `json:"modalities"`
	Version      int           `json:"version"`
	JoinWebURL   *string       `json:"join_web_url,omitempty"`
}

// Duration returns end minus start, or false when the call has no end time
func (r *CallRecord) Duration() (time.Duration, bool) {
	return span(&r.StartTime, r.EndTime)
}

// DurationSeconds returns the duration truncated to whole seconds
func (r *CallRecord) DurationSeconds() (int64, bool) {
	d, ok := r.Duration()
	if !ok {
		return 0, false
	}
	return int64(d / time.Second), true
}

// DurationFormatted renders the duration with FormatDuration, or "Unknown"
// when there is no end time
func (r *CallRecord) DurationFormatted() string {
	secs, ok := r.DurationSeconds()
	if !ok {
		return unknownValue
	}
	return FormatDuration(secs)
}

// ParticipantCount returns the number of participants
func (r *CallRecord) ParticipantCount() int {
	return len(r.Participants)
}

// IsMeeting reports whether the record is a scheduled meeting
func (r *CallRecord) IsMeeting() bool {
	return r.CallType == CallTypeMeeting
}

// IsPeerToPeer reports whether the record is a one-to-one call
func (r *CallRecord) IsPeerToPeer() bool {
	return r.CallType == CallTypePeerToPeer
}

// ParticipantNames returns the identifier of every participant
func (r *CallRecord) ParticipantNames() []string {
	names := make([]string, 0, len(r.Participants))
	for i := range r.Participants {
		names = append(names, r.Participants[i].Identifier())
	}
	return names
}

// Summary renders the record as a multi-line detail block
func (r *CallRecord) Summary() string {
	lines := []string{
		"Call ID: " + r.ID,
		"Type: " + string(r.CallType),
	}
	if r.Organizer != nil {
		lines = append(lines, "Organizer: "+r.Organizer.Identifier())
	}
	lines = append(lines,
		"Start: "+r.startText(),
		"Duration: "+r.DurationFormatted(),
		fmt.Sprintf("Participants (%d): %s", r.ParticipantCount(), strings.Join(r.ParticipantNames(), ", ")),
	)
	return strings.Join(lines, "\n")
}

func (r *CallRecord) startText() string {
	if r.StartTime.IsZero() {
		return unknownValue
	}
	return FormatTimestamp(r.StartTime)
}

// SummaryLine renders the record on one line for prompt context
func (r *CallRecord) SummaryLine() string {
	parts := []string{
		"Call ID: " + r.ID,
		"Type: " + string(r.CallType),
		"Start: " + r.startText(),
		"Duration: " + r.DurationFormatted(),
		fmt.Sprintf("Participants (%d): %s", r.ParticipantCount(), strings.Join(r.ParticipantNames(), ", ")),
	}
	if r.Organizer != nil {
		parts = append(parts, "Organizer: "+r.Organizer.Identifier())
	}
	return strings.Join(parts, " | ")
}

// FormatDuration renders whole seconds as "{h}h {m}m {s}s", dropping leading
// zero units. Seconds are always shown; negative input renders as "0s".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	remainder := seconds % 3600
	minutes := remainder / 60
	secs := remainder % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

const unknownValue = "Unknown"

// isoLayout drops trailing zero fractional seconds
const isoLayout = "2006-01-02T15:04:05.999999"

// FormatTimestamp renders a time as an ISO-8601 string without zone suffix
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// span is unknown without both ends or when end precedes start
func span(start, end *time.Time) (time.Duration, bool) {
	if start == nil || end == nil || start.IsZero() || end.Before(*start) {
		return 0, false
	}
	return end.Sub(*start), true
}

func joinModalities(modalities []Modality) string {
	values := make([]string, 0, len(modalities))
	for _, m := range modalities {
		values = append(values, string(m))
	}
	return strings.Join(values, ", ")
}
