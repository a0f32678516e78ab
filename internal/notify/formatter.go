package notify

import (
	"fmt"
	"strings"

	"slawatch/internal/opportunity"
)

// Formatter renders notification messages. It is pure: identical
// inputs yield identical strings, and it performs no I/O.
type Formatter struct {
	// HoursPerDay converts business hours to the coarse "Xd Yh" form.
	HoursPerDay float64
	// DisplayCap bounds how many opportunities one message enumerates.
	DisplayCap int
}

// NewFormatter creates a formatter; hoursPerDay must be positive.
func NewFormatter(hoursPerDay float64, displayCap int) *Formatter {
	if hoursPerDay <= 0 {
		hoursPerDay = 10
	}
	if displayCap <= 0 {
		displayCap = 5
	}
	return &Formatter{HoursPerDay: hoursPerDay, DisplayCap: displayCap}
}

// FormatElapsed renders business hours as "Xd Yh" using the configured
// business day length, or "Yh" under one day.
func (f *Formatter) FormatElapsed(hours float64) string {
	days := int(hours / f.HoursPerDay)
	rem := int(hours - float64(days)*f.HoursPerDay)
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, rem)
	}
	return fmt.Sprintf("%dh", rem)
}

// Reminder renders the first-tier message for one org's breaching
// opportunities.
func (f *Formatter) Reminder(orgName string, opps []opportunity.Opportunity) string {
	if len(opps) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Service Reminder** (%s)\n\n", orgName)
	fmt.Fprintf(&b, "%d order(s) need attention:\n\n", len(opps))

	shown := opps
	if len(shown) > f.DisplayCap {
		shown = shown[:f.DisplayCap]
	}
	for i, o := range shown {
		fmt.Fprintf(&b, "%02d. Order: %s\n", i+1, o.OrderNum)
		fmt.Fprintf(&b, "    Elapsed: %s\n", f.FormatElapsed(o.ElapsedHours))
		fmt.Fprintf(&b, "    Customer: %s\n", o.CustomerName)
		fmt.Fprintf(&b, "    Address: %s\n", o.Address)
		fmt.Fprintf(&b, "    Supervisor: %s\n", o.SupervisorName)
		fmt.Fprintf(&b, "    Created: %s\n", o.CreateTime.Format("01-02 15:04"))
		fmt.Fprintf(&b, "    Status: %s\n\n", o.Status)
	}
	if more := len(opps) - f.DisplayCap; more > 0 {
		fmt.Fprintf(&b, "... %d more order(s) pending\n\n", more)
	}

	b.WriteString("Please follow up promptly.")
	return b.String()
}

// Escalation renders the second-tier message. The header carries the
// full breaching count; past the display cap the truncation line is
// mandatory so the header and the listed entries never disagree
// silently.
func (f *Formatter) Escalation(orgName string, opps []opportunity.Opportunity) string {
	if len(opps) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**SLA Escalation** (%s)\n\n", orgName)
	fmt.Fprintf(&b, "%d order(s) exceeded the hard SLA threshold:\n\n", len(opps))

	shown := opps
	if len(shown) > f.DisplayCap {
		shown = shown[:f.DisplayCap]
	}
	for i, o := range shown {
		fmt.Fprintf(&b, "%02d. Order: %s\n", i+1, o.OrderNum)
		fmt.Fprintf(&b, "    Overdue: %s\n", f.FormatElapsed(o.OverdueHours))
		fmt.Fprintf(&b, "    Customer: %s\n", o.CustomerName)
		fmt.Fprintf(&b, "    Address: %s\n", o.Address)
		fmt.Fprintf(&b, "    Supervisor: %s\n", o.SupervisorName)
		fmt.Fprintf(&b, "    Created: %s\n", o.CreateTime.Format("01-02 15:04"))
		fmt.Fprintf(&b, "    Status: %s\n\n", o.Status)
	}
	if more := len(opps) - f.DisplayCap; more > 0 {
		fmt.Fprintf(&b, "... %d more order(s) pending\n\n", more)
	}

	b.WriteString("Immediate action required. Alerts stop automatically once handled.")
	return b.String()
}
