package rpc

import (
	"testing"
	"time"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	t.Run("record request", func(t *testing.T) {
		m.RecordRequest(CmdListIssues, 10*time.Millisecond)
		m.RecordRequest(CmdListIssues, 20*time.Millisecond)

		m.mu.RLock()
		count := m.requestCounts[CmdListIssues]
		m.mu.RUnlock()

		if count != 2 {
			t.Errorf("Expected 2 requests, got %d", count)
		}
	})

	t.Run("record error", func(t *testing.T) {
		m.RecordError(CmdListIssues)

		m.mu.RLock()
		errors := m.requestErrors[CmdListIssues]
		m.mu.RUnlock()

		if errors != 1 {
			t.Errorf("Expected 1 error, got %d", errors)
		}
	})

	t.Run("record connection", func(t *testing.T) {
		before := m.totalConns
		m.RecordConnection()
		if m.totalConns != before+1 {
			t.Errorf("Expected connection count to increase by 1, got %d -> %d", before, m.totalConns)
		}
	})

	t.Run("record rejected connection", func(t *testing.T) {
		before := m.rejectedConns
		m.RecordRejectedConnection()
		if m.rejectedConns != before+1 {
			t.Errorf("Expected rejected count to increase by 1, got %d -> %d", before, m.rejectedConns)
		}
	})
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(CmdFixIssue, 10*time.Millisecond)
	m.RecordRequest(CmdFixIssue, 20*time.Millisecond)
	m.RecordRequest(CmdDismissIssue, 5*time.Millisecond)
	m.RecordError(CmdFixIssue)
	m.RecordError("invalid")
	m.RecordConnection()
	m.RecordRejectedConnection()

	snapshot := m.Snapshot(3)

	if snapshot.ActiveConns != 3 {
		t.Errorf("Expected 3 active connections, got %d", snapshot.ActiveConns)
	}
	if snapshot.TotalConns != 1 || snapshot.RejectedConns != 1 {
		t.Errorf("unexpected connection counts: %+v", snapshot)
	}
	if len(snapshot.Commands) != 3 {
		t.Fatalf("Expected 3 commands, got %d", len(snapshot.Commands))
	}

	fix := snapshot.Commands[0]
	if fix.Command != CmdFixIssue {
		t.Fatalf("Expected most frequent command first, got %s", fix.Command)
	}
	if fix.TotalCount != 2 || fix.ErrorCount != 1 || fix.SuccessCount != 1 {
		t.Errorf("unexpected fix_issue counts: %+v", fix)
	}
	if fix.Latency.MinMS != 10 || fix.Latency.MaxMS != 20 || fix.Latency.AvgMS != 15 {
		t.Errorf("unexpected latency stats: %+v", fix.Latency)
	}

	for _, c := range snapshot.Commands {
		if c.Command == "invalid" && c.SuccessCount != 0 {
			t.Errorf("success count must never be negative, got %d", c.SuccessCount)
		}
	}

	if snapshot.UptimeSeconds < 1 {
		t.Errorf("Expected uptime >= 1, got %f", snapshot.UptimeSeconds)
	}
	if snapshot.GoroutineCount <= 0 {
		t.Error("Expected positive goroutine count")
	}
}

func TestSlowCommandCallback(t *testing.T) {
	m := NewMetrics()
	m.SetSlowThreshold(50 * time.Millisecond)

	var slow []string
	m.SetSlowCallback(func(command string, latency time.Duration) {
		slow = append(slow, command)
	})

	m.RecordRequest(CmdListIssues, time.Millisecond)
	m.RecordRequest(CmdFixIssueConfirm, 80*time.Millisecond)

	if len(slow) != 1 || slow[0] != CmdFixIssueConfirm {
		t.Fatalf("Expected only fix_issue_confirm to be slow, got %v", slow)
	}
	for _, c := range m.Snapshot(0).Commands {
		if c.Command == CmdFixIssueConfirm && c.SlowCount != 1 {
			t.Errorf("Expected slow count 1, got %d", c.SlowCount)
		}
	}

	m.SetSlowThreshold(0)
	m.RecordRequest(CmdFixIssueConfirm, time.Hour)
	if len(slow) != 1 {
		t.Errorf("threshold 0 should disable slow detection")
	}
}

func TestCalculateLatencyStats(t *testing.T) {
	t.Run("empty samples", func(t *testing.T) {
		stats := calculateLatencyStats([]time.Duration{})
		if stats.MinMS != 0 || stats.MaxMS != 0 {
			t.Error("Expected zero stats for empty samples")
		}
	})

	t.Run("multiple samples", func(t *testing.T) {
		samples := []time.Duration{
			5 * time.Millisecond,
			10 * time.Millisecond,
			15 * time.Millisecond,
			20 * time.Millisecond,
			100 * time.Millisecond,
		}
		stats := calculateLatencyStats(samples)

		if stats.MinMS != 5.0 {
			t.Errorf("Expected min 5ms, got %f", stats.MinMS)
		}
		if stats.MaxMS != 100.0 {
			t.Errorf("Expected max 100ms, got %f", stats.MaxMS)
		}
		if stats.AvgMS != 30.0 {
			t.Errorf("Expected avg 30ms, got %f", stats.AvgMS)
		}
		if stats.P50MS != 15.0 {
			t.Errorf("Expected P50 15ms, got %f", stats.P50MS)
		}
	})
}
