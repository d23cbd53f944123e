package cdr

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateRange is the earliest and latest call start in a summary
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Summary holds aggregate statistics over a set of call records
type Summary struct {
	TotalCalls               int            `json:"total_calls"`
	TotalDurationSeconds     int64          `json:"total_duration_seconds"`
	AverageDurationSeconds   int64          `json:"average_duration_seconds"`
	TotalDurationFormatted   string         `json:"total_duration_formatted"`
	AverageDurationFormatted string         `json:"average_duration_formatted"`
	CallTypes                map[string]int `json:"call_types"`
	ParticipantCount         int            `json:"participant_count"`
	DateRange                *DateRange     `json:"date_range,omitempty"`
}

// Summarize reduces records to summary statistics. Records without an end
// time contribute zero duration. An empty input yields a zero summary.
func Summarize(records []CallRecord) Summary {
	summary := Summary{
		CallTypes:                map[string]int{},
		TotalDurationFormatted:   FormatDuration(0),
		AverageDurationFormatted: FormatDuration(0),
	}
	if len(records) == 0 {
		return summary
	}

	participants := make(map[string]struct{})
	var earliest, latest time.Time
	for i := range records {
		record := &records[i]

		if secs, ok := record.DurationSeconds(); ok {
			summary.TotalDurationSeconds += secs
		}
		summary.CallTypes[string(record.CallType)]++

		for j := range record.Participants {
			participants[record.Participants[j].Identifier()] = struct{}{}
		}

		if record.StartTime.IsZero() {
			continue
		}
		if earliest.IsZero() || record.StartTime.Before(earliest) {
			earliest = record.StartTime
		}
		if latest.IsZero() || record.StartTime.After(latest) {
			latest = record.StartTime
		}
	}

	summary.TotalCalls = len(records)
	summary.AverageDurationSeconds = summary.TotalDurationSeconds / int64(len(records))
	summary.TotalDurationFormatted = FormatDuration(summary.TotalDurationSeconds)
	summary.AverageDurationFormatted = FormatDuration(summary.AverageDurationSeconds)
	summary.ParticipantCount = len(participants)
	// records without a start time do not widen the range
	if !earliest.IsZero() {
		summary.DateRange = &DateRange{
			Start: FormatTimestamp(earliest),
			End:   FormatTimestamp(latest),
		}
	}
	return summary
}

// CallTypesText renders the call type histogram sorted by type name
func (s Summary) CallTypesText() string {
	if len(s.CallTypes) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(s.CallTypes))
	for k := range s.CallTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%d", k, s.CallTypes[k]))
	}
	return strings.Join(pairs, ", ")
}

// Text renders the statistics block appended to prompt context
func (s Summary) Text() string {
	var b strings.Builder
	b.WriteString("Summary Statistics:\n")
	fmt.Fprintf(&b, "- Total Calls: %d\n", s.TotalCalls)
	fmt.Fprintf(&b, "- Total Duration: %s\n", s.TotalDurationFormatted)
	fmt.Fprintf(&b, "- Average Duration: %s\n", s.AverageDurationFormatted)
	fmt.Fprintf(&b, "- Unique Participants: %d\n", s.ParticipantCount)
	fmt.Fprintf(&b, "- Call Types: %s\n", s.CallTypesText())
	if s.DateRange != nil {
		fmt.Fprintf(&b, "- Date Range: %s to %s\n", s.DateRange.Start, s.DateRange.End)
	}
	return b.String()
}
