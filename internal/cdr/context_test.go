package cdr

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func manyRecords(n int) []CallRecord {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	records := make([]CallRecord, n)
	for i := range records {
		records[i] = recordWithDuration(fmt.Sprintf("call-%02d", i+1), CallTypeGroupCall, start.Add(time.Duration(i)*time.Hour), 60)
	}
	return records
}

func TestFormatContextEmpty(t *testing.T) {
	summary := Summarize(nil)
	for _, got := range []string{
		FormatContext(nil, nil, 0),
		FormatContext([]CallRecord{}, &summary, 20),
	} {
		if got != NoRecordsMessage {
			t.Errorf("FormatContext(empty) = %q", got)
		}
	}
}

func TestFormatContext(t *testing.T) {
	records := manyRecords(2)
	records[0].Organizer = &Participant{Email: strPtr("alice@contoso.com")}
	records[0].Participants = []Participant{{Email: strPtr("alice@contoso.com")}, {DisplayName: strPtr("Bob")}}

	got := FormatContext(records, nil, 20)
	expected := "Found 2 call record(s):\n\n" +
		"1. Call ID: call-01 | Type: groupCall | Start: 2024-01-15T10:00:00 | Duration: 1m 0s | Participants (2): alice@contoso.com, Bob | Organizer: alice@contoso.com\n" +
		"2. Call ID: call-02 | Type: groupCall | Start: 2024-01-15T11:00:00 | Duration: 1m 0s | Participants (0): "
	if got != expected {
		t.Errorf("FormatContext() =\n%s\nwant\n%s", got, expected)
	}
}

func TestFormatContextCapsRecords(t *testing.T) {
	tests := []struct {
		count   int
		max     int
		shown   int
		omitted int
	}{
		{count: 20, max: 20, shown: 20, omitted: 0},
		{count: 21, max: 20, shown: 20, omitted: 1},
		{count: 57, max: 20, shown: 20, omitted: 37},
		{count: 30, max: 0, shown: 20, omitted: 10},
		{count: 8, max: 5, shown: 5, omitted: 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d records max %d", tt.count, tt.max), func(t *testing.T) {
			got := FormatContext(manyRecords(tt.count), nil, tt.max)

			if !strings.HasPrefix(got, fmt.Sprintf("Found %d call record(s):", tt.count)) {
				t.Errorf("Unexpected header: %s", strings.SplitN(got, "\n", 2)[0])
			}
			if !strings.Contains(got, fmt.Sprintf("\n%d. Call ID: ", tt.shown)) {
				t.Errorf("Expected entry %d to be listed", tt.shown)
			}
			if strings.Contains(got, fmt.Sprintf("\n%d. Call ID: ", tt.shown+1)) {
				t.Errorf("Entry %d should be omitted", tt.shown+1)
			}

			note := fmt.Sprintf("... and %d more records.", tt.omitted)
			if tt.omitted > 0 && !strings.HasSuffix(got, note) {
				t.Errorf("Expected trailing note %q, got:\n%s", note, got)
			}
			if tt.omitted == 0 && strings.Contains(got, "more records") {
				t.Error("Unexpected omission note")
			}
		})
	}
}

func TestFormatContextWithSummary(t *testing.T) {
	records := manyRecords(25)
	summary := Summarize(records)
	got := FormatContext(records, &summary, 20)

	noteAt := strings.Index(got, "... and 5 more records.")
	statsAt := strings.Index(got, "Summary Statistics:")
	if noteAt < 0 || statsAt < 0 || statsAt < noteAt {
		t.Fatalf("Expected note before summary block:\n%s", got)
	}
	if !strings.Contains(got, "- Total Calls: 25") {
		t.Error("Summary should cover all records, not just those listed")
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("Context should not end with a newline")
	}
}

func TestFormatQualityReport(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	record := recordWithDuration("call-q", CallTypePeerToPeer, start, 300)
	record.Sessions = []CallSession{
		{
			ID:     "s1",
			Caller: &Participant{DisplayName: strPtr("Alice")},
			Quality: &CallQuality{
				AveragePacketLossRate: floatPtr(0.08),
				AverageJitter:         durPtr(12 * time.Millisecond),
				AverageVideoFrameRate: floatPtr(24),
			},
		},
		{ID: "s2"},
	}
	other := recordWithDuration("call-none", CallTypeMeeting, start, 60)

	got := FormatQualityReport([]CallRecord{record, other})

	for _, want := range []string{
		"Call call-q (peerToPeer, 2024-01-15T10:00:00):",
		"  - Session s1, caller Alice: packet loss 8.00%, jitter 12ms, frame rate 24.0fps, overall poor",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Report missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "s2") || strings.Contains(got, "call-none") {
		t.Errorf("Sessions and calls without quality should be skipped:\n%s", got)
	}

	if FormatQualityReport([]CallRecord{other}) != "No quality metrics available for the specified calls." {
		t.Error("Expected fallback message")
	}
}
