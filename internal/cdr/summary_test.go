package cdr

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func recordWithDuration(id string, callType CallType, start time.Time, seconds int, participants ...Participant) CallRecord {
	end := start.Add(time.Duration(seconds) * time.Second)
	return CallRecord{
		ID:           id,
		CallType:     callType,
		StartTime:    start,
		EndTime:      &end,
		Participants: participants,
	}
}

func TestSummarize(t *testing.T) {
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	alice := Participant{Email: strPtr("alice@contoso.com")}
	bob := Participant{DisplayName: strPtr("Bob")}
	anon := Participant{}

	records := []CallRecord{
		recordWithDuration("late", CallTypePeerToPeer, day.Add(48*time.Hour), 1800, alice, bob),
		recordWithDuration("early", CallTypeMeeting, day, 3600, alice, anon),
	}
	summary := Summarize(records)

	if summary.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", summary.TotalCalls)
	}
	if summary.TotalDurationSeconds != 5400 {
		t.Errorf("TotalDurationSeconds = %d, want 5400", summary.TotalDurationSeconds)
	}
	if summary.AverageDurationSeconds != 2700 {
		t.Errorf("AverageDurationSeconds = %d, want 2700", summary.AverageDurationSeconds)
	}
	if summary.TotalDurationFormatted != "1h 30m 0s" || summary.AverageDurationFormatted != "45m 0s" {
		t.Errorf("Unexpected formatted durations %q / %q", summary.TotalDurationFormatted, summary.AverageDurationFormatted)
	}
	if len(summary.CallTypes) != 2 || summary.CallTypes["peerToPeer"] != 1 || summary.CallTypes["meeting"] != 1 {
		t.Errorf("Unexpected call types %v", summary.CallTypes)
	}
	// alice, Bob and Unknown
	if summary.ParticipantCount != 3 {
		t.Errorf("ParticipantCount = %d, want 3", summary.ParticipantCount)
	}
	if summary.DateRange == nil {
		t.Fatal("Expected date range")
	}
	if summary.DateRange.Start != "2024-01-15T10:00:00" || summary.DateRange.End != "2024-01-17T10:00:00" {
		t.Errorf("Unexpected date range %+v", summary.DateRange)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	for _, input := range [][]CallRecord{nil, {}} {
		summary := Summarize(input)
		if summary.TotalCalls != 0 || summary.TotalDurationSeconds != 0 || summary.AverageDurationSeconds != 0 {
			t.Errorf("Expected zero totals, got %+v", summary)
		}
		if summary.CallTypes == nil || len(summary.CallTypes) != 0 {
			t.Errorf("Expected empty call types map, got %v", summary.CallTypes)
		}
		if summary.TotalDurationFormatted != "0s" || summary.AverageDurationFormatted != "0s" {
			t.Errorf("Expected 0s durations, got %q / %q", summary.TotalDurationFormatted, summary.AverageDurationFormatted)
		}
		if summary.ParticipantCount != 0 || summary.DateRange != nil {
			t.Errorf("Expected no participants or date range, got %+v", summary)
		}
	}
}

func TestSummarizeMissingEndTime(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	records := []CallRecord{
		recordWithDuration("a", CallTypeGroupCall, start, 100),
		{ID: "b", CallType: CallTypeGroupCall, StartTime: start},
		recordWithDuration("c", CallTypeUnknown, start, 201),
	}
	summary := Summarize(records)

	if summary.TotalDurationSeconds != 301 {
		t.Errorf("TotalDurationSeconds = %d, want 301", summary.TotalDurationSeconds)
	}
	// integer division
	if summary.AverageDurationSeconds != 100 {
		t.Errorf("AverageDurationSeconds = %d, want 100", summary.AverageDurationSeconds)
	}
	if summary.CallTypes["groupCall"] != 2 || summary.CallTypes["unknown"] != 1 {
		t.Errorf("Unexpected call types %v", summary.CallTypes)
	}
}

func TestSummarizeSkipsMissingStart(t *testing.T) {
	undated := ParseCallRecord(map[string]interface{}{
		"id":          "a",
		"endDateTime": "2024-01-15T11:00:00Z",
	})
	dated := ParseCallRecord(map[string]interface{}{
		"id":            "b",
		"startDateTime": "2024-01-15T10:00:00Z",
		"endDateTime":   "2024-01-15T10:01:00Z",
	})

	summary := Summarize([]CallRecord{undated, dated})
	if summary.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", summary.TotalCalls)
	}
	if summary.TotalDurationSeconds != 60 {
		t.Errorf("TotalDurationSeconds = %d, want 60", summary.TotalDurationSeconds)
	}
	if summary.DateRange == nil {
		t.Fatal("Expected date range from the dated record")
	}
	if summary.DateRange.Start != "2024-01-15T10:00:00" || summary.DateRange.End != "2024-01-15T10:00:00" {
		t.Errorf("Unexpected date range %+v", summary.DateRange)
	}
	if strings.Contains(summary.Text(), "0001-01-01") {
		t.Errorf("Summary text contains a zero timestamp:\n%s", summary.Text())
	}

	if only := Summarize([]CallRecord{undated}); only.DateRange != nil {
		t.Errorf("Expected no date range without start times, got %+v", only.DateRange)
	}
}

func TestSummarizeIgnoresEndBeforeStart(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	records := []CallRecord{
		recordWithDuration("ok", CallTypeGroupCall, start, 120),
		recordWithDuration("backwards", CallTypeGroupCall, start, -3700),
	}

	summary := Summarize(records)
	if summary.TotalDurationSeconds != 120 {
		t.Errorf("TotalDurationSeconds = %d, want 120", summary.TotalDurationSeconds)
	}
	if summary.TotalDurationFormatted != "2m 0s" {
		t.Errorf("TotalDurationFormatted = %q, want 2m 0s", summary.TotalDurationFormatted)
	}
}

func TestSummaryJSON(t *testing.T) {
	data, err := json.Marshal(Summarize(nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	expected := `{"total_calls":0,"total_duration_seconds":0,"average_duration_seconds":0,"total_duration_formatted":"0s","average_duration_formatted":"0s","call_types":{},"participant_count":0}`
	if string(data) != expected {
		t.Errorf("JSON =\n%s\nwant\n%s", data, expected)
	}
}

func TestSummaryText(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	summary := Summarize([]CallRecord{
		recordWithDuration("a", CallTypeMeeting, start, 60),
		recordWithDuration("b", CallTypeGroupCall, start, 60),
	})
	text := summary.Text()

	for _, want := range []string{
		"Summary Statistics:",
		"- Total Calls: 2",
		"- Total Duration: 2m 0s",
		"- Average Duration: 1m 0s",
		"- Unique Participants: 0",
		"- Call Types: groupCall=1, meeting=1",
		"- Date Range: 2024-01-15T10:00:00 to 2024-01-15T10:00:00",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}

	if Summarize(nil).CallTypesText() != "none" {
		t.Error("Empty call types should render as none")
	}
}
