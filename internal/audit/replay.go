package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter holds filtering criteria for task replay.
type ReplayFilter struct {
	TaskID      string
	PrincipalID string
	From        time.Time // zero value = no lower bound
	To          time.Time // zero value = no upper bound
}

// ReplaySummary holds per-kind counts for a replayed task.
type ReplaySummary struct {
	Total          int    `json:"total"`
	Capabilities   int    `json:"capabilities"`
	Decisions      int    `json:"decisions"`
	Approvals      int    `json:"approvals"`
	EgressCount    int    `json:"egress_count"`
	EgressBlocked  int    `json:"egress_blocked"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and a summary.
type ReplayResult struct {
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if !matches(entry, filter) {
			continue
		}

		result.Entries = append(result.Entries, entry)
		s := &result.Summary
		s.Total++
		switch entry.Kind {
		case KindCapability:
			s.Capabilities++
		case KindPolicyDecision:
			s.Decisions++
		case KindApproval:
			s.Approvals++
		case KindEgress:
			s.EgressCount++
		case KindEgressBlocked:
			s.EgressBlocked++
		}
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = entry.Timestamp
		}
		s.LastTimestamp = entry.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}

	return result, nil
}

func matches(entry Entry, filter ReplayFilter) bool {
	if filter.TaskID != "" && entry.TaskID != filter.TaskID {
		return false
	}
	if filter.PrincipalID != "" && entry.PrincipalID != filter.PrincipalID {
		return false
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, entry.Timestamp)
		if err != nil {
			return false
		}
		if !filter.From.IsZero() && ts.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && ts.After(filter.To) {
			return false
		}
	}
	return true
}
