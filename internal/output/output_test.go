package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/marcus/gradesync/internal/models"
)

func captureOut(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	t.Cleanup(func() { Out = prev })
	return &buf
}

// TestFormatTimeAgo covers each bucket boundary
func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{time.Minute, "1m ago"},
		{59 * time.Minute, "59m ago"},
		{time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		if got := FormatTimeAgo(time.Now().Add(-tc.ago)); got != tc.want {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}

	old := time.Now().Add(-30 * 24 * time.Hour)
	if got := FormatTimeAgo(old); got != old.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo(30d) = %q", got)
	}
}

func TestFormatStatus(t *testing.T) {
	for _, s := range []models.EntryStatus{models.StatusPending, models.StatusSyncing, models.StatusSynced, models.StatusFailed} {
		if got := FormatStatus(s); !strings.Contains(got, string(s)) {
			t.Errorf("FormatStatus(%s) = %q", s, got)
		}
	}
	if got := FormatStatus("weird"); got != "weird" {
		t.Errorf("unknown status: %q", got)
	}
}

func TestFormatEntryShort(t *testing.T) {
	e := &models.SyncQueueEntry{
		ID:         "0190f3a2-7c1e-7d4b-9a55-123456789abc",
		Kind:       models.KindMutation,
		Action:     "update",
		StoreName:  "students",
		Data:       json.RawMessage(`{"id":"s1","school_id":"sch1"}`),
		Status:     models.StatusFailed,
		RetryCount: models.MaxRetries,
		LastError:  "HTTP 500: upstream\nexploded",
	}
	got := FormatEntryShort(e)
	for _, want := range []string{"56789abc", "update students/s1", "retries 5/5 exhausted", "HTTP 500: upstream exploded"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatEntryShort missing %q in %q", want, got)
		}
	}

	op := &models.SyncQueueEntry{ID: "x", Kind: models.KindOperation, Action: "results.publish", Status: models.StatusPending}
	got = FormatEntryShort(op)
	if !strings.Contains(got, "results.publish") || strings.Contains(got, "retries") {
		t.Errorf("operation entry: %q", got)
	}
}

func TestFormatStorageStatus(t *testing.T) {
	last := time.Now().Add(-2 * time.Hour)
	got := FormatStorageStatus(StatusView{
		Online:       false,
		Pending:      3,
		LastSyncTime: &last,
		Mode:         models.ModeHybrid,
		AutoSync:     true,
		SyncInterval: 5,
	})
	for _, want := range []string{"hybrid", "offline", "3", "every 5 min", "2h ago"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}

	got = FormatStorageStatus(StatusView{Mode: models.ModeLocal, Online: true})
	if !strings.Contains(got, "never") || !strings.Contains(got, "off") {
		t.Errorf("empty status:\n%s", got)
	}
}

func TestTruncateAndShortID(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short: %q", got)
	}
	if got := Truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("Truncate: %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID: %q", got)
	}
}

func TestJSONError(t *testing.T) {
	buf := captureOut(t)
	JSONErrorWithDetails(ErrCodeOffline, "no network", map[string]any{"pending": 2})

	var got struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if got.Error.Code != "offline" || got.Error.Details["pending"] != 2.0 {
		t.Fatalf("got %+v", got.Error)
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString: %q", got)
	}
	if IndentString("", 4) != "" {
		t.Error("empty string should stay empty")
	}
}
