package cdr

import (
	"context"
	"fmt"
	"time"

	"github.com/curtbushko/teams-cdr/internal/logging"
)

// DefaultLookback is the window used when no start date is given
const DefaultLookback = 7 * 24 * time.Hour

// Query selects call records by start time
type Query struct {
	From  *time.Time // Earliest call start (inclusive)
	To    *time.Time // Latest call start (inclusive)
	Limit int        // Maximum records to return (0 = no limit)
}

// Source supplies raw call record objects, as returned by the Graph
// callRecords API
type Source interface {
	ListCallRecords(ctx context.Context, query Query) ([]map[string]interface{}, error)
	GetCallRecord(ctx context.Context, id string) (map[string]interface{}, error)
	ListSessions(ctx context.Context, callID string) ([]map[string]interface{}, error)
}

// Service fetches call records from a Source and normalizes them
type Service struct {
	source Source
	now    func() time.Time
}

// NewService creates a Service reading from source
func NewService(source Source) *Service {
	return &Service{
		source: source,
		now:    time.Now,
	}
}

// GetCallRecords returns records that started between start and end. A nil
// start means DefaultLookback before now; a nil end means now.
func (s *Service) GetCallRecords(ctx context.Context, start, end *time.Time, limit int) ([]CallRecord, error) {
	now := s.now().UTC()
	if end == nil {
		end = &now
	}
	if start == nil {
		from := end.Add(-DefaultLookback)
		start = &from
	}

	logging.InfoWithContext(ctx, "Fetching call records from %s to %s", FormatTimestamp(*start), FormatTimestamp(*end))

	raw, err := s.source.ListCallRecords(ctx, Query{From: start, To: end, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}

	records := make([]CallRecord, 0, len(raw))
	for _, item := range raw {
		records = append(records, ParseCallRecord(item))
	}

	logging.InfoWithContext(ctx, "Parsed %d call records", len(records))
	return records, nil
}

// GetCallRecord returns a single record, with its sessions when
// includeSessions is set
func (s *Service) GetCallRecord(ctx context.Context, id string, includeSessions bool) (*CallRecord, error) {
	raw, err := s.source.GetCallRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get call record %s: %w", id, err)
	}
	record := ParseCallRecord(raw)

	if includeSessions {
		if err := s.LoadSessions(ctx, &record); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// LoadSessions fetches and attaches the sessions of record
func (s *Service) LoadSessions(ctx context.Context, record *CallRecord) error {
	raw, err := s.source.ListSessions(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("failed to list sessions for %s: %w", record.ID, err)
	}
	record.Sessions = ParseSessions(raw)
	logging.DebugWithContext(ctx, "Loaded %d sessions for call %s", len(record.Sessions), record.ID)
	return nil
}

// GetUserCalls returns records in the window where user matches a
// participant's account id, email or display name
func (s *Service) GetUserCalls(ctx context.Context, user string, start, end *time.Time) ([]CallRecord, error) {
	records, err := s.GetCallRecords(ctx, start, end, 0)
	if err != nil {
		return nil, err
	}

	matched := FilterByParticipants(records, func(p *Participant) bool {
		return equals(p.AccountID, user) || equals(p.Email, user) || equals(p.DisplayName, user)
	})

	logging.InfoWithContext(ctx, "Found %d calls for user %s", len(matched), user)
	return matched, nil
}

// Summary aggregates records
func (s *Service) Summary(records []CallRecord) Summary {
	return Summarize(records)
}

// FilterByParticipants keeps records with at least one participant for which
// match returns true
func FilterByParticipants(records []CallRecord, match func(*Participant) bool) []CallRecord {
	result := make([]CallRecord, 0, len(records))
	for i := range records {
		for j := range records[i].Participants {
			if match(&records[i].Participants[j]) {
				result = append(result, records[i])
				break
			}
		}
	}
	return result
}

func equals(field *string, value string) bool {
	return field != nil && *field == value
}
