// Package opportunity holds the service-opportunity model and the SLA
// classifier that derives notification state from elapsed business time.
package opportunity

import (
	"fmt"
	"hash/fnv"
	"time"

	"slawatch/internal/businesstime"
)

// Status is the order status reported by the analytics source. Only
// StatusPendingAppointment and StatusTemporarilyNotVisiting are
// monitored; other values are carried through but never scheduled.
type Status string

const (
	StatusPendingAppointment     Status = "PendingAppointment"
	StatusTemporarilyNotVisiting Status = "TemporarilyNotVisiting"
)

// Monitored reports whether this status participates in SLA monitoring.
func (s Status) Monitored() bool {
	return s == StatusPendingAppointment || s == StatusTemporarilyNotVisiting
}

// Opportunity is one service work-order row. The SLA-derived fields are
// zero until Classify fills them; the raw shape is never mutated
// post-hoc outside the classifier.
type Opportunity struct {
	OrderNum       string    `json:"order_num"`
	CustomerName   string    `json:"customer_name"`
	Address        string    `json:"address"`
	SupervisorName string    `json:"supervisor_name"`
	OrgName        string    `json:"org_name"`
	CreateTime     time.Time `json:"create_time"`
	Status         Status    `json:"order_status"`

	// Derived by Classify.
	Monitored             bool    `json:"monitored"`
	ElapsedHours          float64 `json:"elapsed_hours"`
	ReminderDue           bool    `json:"reminder_due"`
	EscalationDue         bool    `json:"escalation_due"`
	ApproachingEscalation bool    `json:"approaching_escalation"`
	OverdueHours          float64 `json:"overdue_hours"`
	EscalationLevel       int     `json:"escalation_level"`
	ProgressRatio         float64 `json:"progress_ratio"`
}

// SourceHash returns a stable hash over the business fields, used by the
// cache layer to detect upstream changes.
func (o Opportunity) SourceHash() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		o.OrderNum, o.CustomerName, o.Address, o.SupervisorName,
		o.OrgName, o.CreateTime.Unix(), o.Status)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Thresholds holds the per-status SLA thresholds in business hours.
type Thresholds struct {
	PendingReminder       float64
	PendingEscalation     float64
	NotVisitingReminder   float64
	NotVisitingEscalation float64
}

// DefaultThresholds returns the coded SLA table: 4/8 business hours for
// pending-appointment, 8/16 for temporarily-not-visiting.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingReminder:       4,
		PendingEscalation:     8,
		NotVisitingReminder:   8,
		NotVisitingEscalation: 16,
	}
}

// forStatus returns (reminder, escalation, monitored) for a status.
func (t Thresholds) forStatus(s Status) (float64, float64, bool) {
	switch s {
	case StatusPendingAppointment:
		return t.PendingReminder, t.PendingEscalation, true
	case StatusTemporarilyNotVisiting:
		return t.NotVisitingReminder, t.NotVisitingEscalation, true
	default:
		return 0, 0, false
	}
}

// approachingRatio is the progress fraction at which an opportunity is
// flagged as approaching escalation.
const approachingRatio = 0.8

// Classify derives the SLA fields for o at the instant now. It is a pure
// function of (o.CreateTime, o.Status, now, thresholds, calendar): the
// input value is copied, derived fields are filled, and the copy is
// returned. Threshold comparison is strictly greater-than: an elapsed
// time exactly equal to a threshold does not fire.
func Classify(o Opportunity, now time.Time, th Thresholds, cal businesstime.Calendar) Opportunity {
	o.ElapsedHours = cal.HoursBetween(o.CreateTime, now)

	reminder, escalation, monitored := th.forStatus(o.Status)
	o.Monitored = monitored
	if !monitored {
		o.ReminderDue = false
		o.EscalationDue = false
		o.ApproachingEscalation = false
		o.OverdueHours = 0
		o.EscalationLevel = 0
		o.ProgressRatio = 0
		return o
	}

	o.ReminderDue = o.ElapsedHours > reminder
	o.EscalationDue = o.ElapsedHours > escalation

	o.ProgressRatio = o.ElapsedHours / escalation
	if o.ProgressRatio > 1.0 {
		o.ProgressRatio = 1.0
	}
	o.ApproachingEscalation = !o.EscalationDue && o.ProgressRatio >= approachingRatio

	o.OverdueHours = o.ElapsedHours - escalation
	if o.OverdueHours < 0 {
		o.OverdueHours = 0
	}

	if o.EscalationDue {
		o.EscalationLevel = 1
	} else {
		o.EscalationLevel = 0
	}
	return o
}

// ClassifyAll classifies a working set in place order.
func ClassifyAll(opps []Opportunity, now time.Time, th Thresholds, cal businesstime.Calendar) []Opportunity {
	out := make([]Opportunity, len(opps))
	for i, o := range opps {
		out[i] = Classify(o, now, th, cal)
	}
	return out
}
