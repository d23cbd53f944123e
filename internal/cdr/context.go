package cdr

import (
	"fmt"
	"strings"
)

const (
	// DefaultContextRecords caps how many records FormatContext lists
	DefaultContextRecords = 20

	// NoRecordsMessage is the context produced for an empty record set
	NoRecordsMessage = "No call records found for the specified criteria."
)

// FormatContext renders records, and summary when non-nil, as plain text for
// a chat-completion prompt. At most maxRecords records are listed; the rest
// are counted in a trailing note. maxRecords <= 0 means DefaultContextRecords.
func FormatContext(records []CallRecord, summary *Summary, maxRecords int) string {
	if len(records) == 0 {
		return NoRecordsMessage
	}
	if maxRecords <= 0 {
		maxRecords = DefaultContextRecords
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d call record(s):\n\n", len(records))

	shown := records
	if len(shown) > maxRecords {
		shown = shown[:maxRecords]
	}
	for i := range shown {
		fmt.Fprintf(&b, "%d. %s\n", i+1, shown[i].SummaryLine())
	}
	if omitted := len(records) - len(shown); omitted > 0 {
		fmt.Fprintf(&b, "\n... and %d more records.\n", omitted)
	}

	if summary != nil {
		b.WriteString("\n")
		b.WriteString(summary.Text())
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatQualityReport renders the per-session quality metrics of records for
// quality analysis. Records without session quality are skipped.
func FormatQualityReport(records []CallRecord) string {
	var b strings.Builder
	for i := range records {
		record := &records[i]
		var lines []string
		for j := range record.Sessions {
			session := &record.Sessions[j]
			if session.Quality == nil {
				continue
			}
			lines = append(lines, "  - "+session.Summary()+": "+formatQuality(session.Quality))
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Call %s (%s, %s):\n", record.ID, record.CallType, record.startText())
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "No quality metrics available for the specified calls."
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatQuality(q *CallQuality) string {
	var parts []string
	if q.AveragePacketLossRate != nil {
		parts = append(parts, fmt.Sprintf("packet loss %.2f%%", *q.AveragePacketLossRate*100))
	}
	if q.MaxPacketLossRate != nil {
		parts = append(parts, fmt.Sprintf("max packet loss %.2f%%", *q.MaxPacketLossRate*100))
	}
	if q.AverageJitter != nil {
		parts = append(parts, fmt.Sprintf("jitter %dms", q.AverageJitter.Milliseconds()))
	}
	if q.MaxJitter != nil {
		parts = append(parts, fmt.Sprintf("max jitter %dms", q.MaxJitter.Milliseconds()))
	}
	if q.AverageRoundTripTime != nil {
		parts = append(parts, fmt.Sprintf("round trip %dms", q.AverageRoundTripTime.Milliseconds()))
	}
	if q.AverageVideoFrameRate != nil {
		parts = append(parts, fmt.Sprintf("frame rate %.1ffps", *q.AverageVideoFrameRate))
	}
	if q.AverageAudioDegradation != nil {
		parts = append(parts, fmt.Sprintf("audio degradation %.2f", *q.AverageAudioDegradation))
	}
	verdict := "good"
	if !q.IsGoodQuality() {
		verdict = "poor"
	}
	parts = append(parts, "overall "+verdict)
	return strings.Join(parts, ", ")
}
