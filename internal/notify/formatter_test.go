package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"slawatch/internal/opportunity"
)

func sampleOpps(n int) []opportunity.Opportunity {
	opps := make([]opportunity.Opportunity, n)
	for i := range opps {
		opps[i] = opportunity.Opportunity{
			OrderNum:       string(rune('A'+i)) + "001",
			CustomerName:   "Customer",
			Address:        "1 Main St",
			SupervisorName: "Zhang",
			OrgName:        "North",
			CreateTime:     time.Date(2024, 6, 3, 9, 0, 0, 0, time.Local),
			Status:         opportunity.StatusPendingAppointment,
			ElapsedHours:   12.5,
			OverdueHours:   4.5,
		}
	}
	return opps
}

func TestFormatElapsed(t *testing.T) {
	f := NewFormatter(10, 5)

	assert.Equal(t, "5h", f.FormatElapsed(5))
	assert.Equal(t, "1d 2h", f.FormatElapsed(12.5))
	assert.Equal(t, "2d 0h", f.FormatElapsed(20))
	assert.Equal(t, "0h", f.FormatElapsed(0))

	// Day length follows the configured business window.
	f8 := NewFormatter(8, 5)
	assert.Equal(t, "1d 4h", f8.FormatElapsed(12.5))
}

func TestReminderDeterministic(t *testing.T) {
	f := NewFormatter(10, 5)
	opps := sampleOpps(2)

	a := f.Reminder("North", opps)
	b := f.Reminder("North", opps)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "Service Reminder")
	assert.Contains(t, a, "North")
	assert.Contains(t, a, "2 order(s)")
	assert.Contains(t, a, "A001")
	assert.Contains(t, a, "1d 2h")
	assert.NotContains(t, a, "more order(s)")
}

func TestEscalationTruncationLine(t *testing.T) {
	f := NewFormatter(10, 5)
	opps := sampleOpps(6)

	msg := f.Escalation("North", opps)
	assert.Contains(t, msg, "6 order(s) exceeded")
	assert.Contains(t, msg, "... 1 more order(s) pending")
	// The entry shows time past the hard threshold, not total elapsed.
	assert.Contains(t, msg, "Overdue: 4h")
	// Only the cap's worth of entries are enumerated.
	assert.Equal(t, 5, strings.Count(msg, "Order: "))
}

func TestEmptyInputYieldsEmptyMessage(t *testing.T) {
	f := NewFormatter(10, 5)
	assert.Empty(t, f.Reminder("North", nil))
	assert.Empty(t, f.Escalation("North", nil))
}
