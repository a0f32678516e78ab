package opportunity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"slawatch/internal/businesstime"
)

// Monday 2024-06-03; the default calendar works 09:00-19:00 Mon-Fri.
func at(hour, min int) time.Time {
	return time.Date(2024, 6, 3, hour, min, 0, 0, time.UTC)
}

func pending(created time.Time) Opportunity {
	return Opportunity{
		OrderNum:       "GD2024001",
		CustomerName:   "Zhang",
		Address:        "12 Jianguo Rd",
		SupervisorName: "Li",
		OrgName:        "North Branch",
		CreateTime:     created,
		Status:         StatusPendingAppointment,
	}
}

func TestClassifyReminderOnly(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	// 5 business hours elapsed: past the 4h reminder, short of 8h escalation.
	got := Classify(pending(at(9, 0)), at(14, 0), th, cal)

	if !got.Monitored {
		t.Fatal("expected monitored")
	}
	if got.ElapsedHours != 5 {
		t.Fatalf("elapsed = %v, want 5", got.ElapsedHours)
	}
	if !got.ReminderDue || got.EscalationDue {
		t.Errorf("reminderDue=%v escalationDue=%v, want true/false", got.ReminderDue, got.EscalationDue)
	}
	if got.EscalationLevel != 0 {
		t.Errorf("escalationLevel = %d, want 0", got.EscalationLevel)
	}
	if got.OverdueHours != 0 {
		t.Errorf("overdueHours = %v, want 0", got.OverdueHours)
	}
	if got.ProgressRatio != 0.625 {
		t.Errorf("progressRatio = %v, want 0.625", got.ProgressRatio)
	}
}

func TestClassifyEscalation(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	// 9 business hours elapsed on the pending-appointment 8h threshold.
	got := Classify(pending(at(9, 0)), at(18, 0), th, cal)

	if !got.EscalationDue || !got.ReminderDue {
		t.Fatalf("expected both tiers due, got reminder=%v escalation=%v", got.ReminderDue, got.EscalationDue)
	}
	if got.EscalationLevel != 1 {
		t.Errorf("escalationLevel = %d, want 1", got.EscalationLevel)
	}
	if got.OverdueHours != 1 {
		t.Errorf("overdueHours = %v, want 1", got.OverdueHours)
	}
	if got.ProgressRatio != 1.0 {
		t.Errorf("progressRatio = %v, want capped at 1.0", got.ProgressRatio)
	}
	if got.ApproachingEscalation {
		t.Error("approachingEscalation must be false once escalation is due")
	}
}

func TestClassifyExactThresholdDoesNotFire(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	// Exactly 4 business hours: strict > means no reminder yet.
	got := Classify(pending(at(9, 0)), at(13, 0), th, cal)
	if got.ReminderDue {
		t.Error("elapsed == reminder threshold must not flag")
	}

	// Exactly 8 business hours: escalation not yet due, ratio hits 1.0.
	got = Classify(pending(at(9, 0)), at(17, 0), th, cal)
	if got.EscalationDue {
		t.Error("elapsed == escalation threshold must not flag")
	}
	if !got.ApproachingEscalation {
		t.Error("ratio 1.0 without escalationDue should count as approaching")
	}
}

func TestClassifyApproachingEscalation(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	// 6.5 business hours: ratio 0.8125, below the 8h escalation threshold.
	got := Classify(pending(at(9, 0)), at(15, 30), th, cal)
	if !got.ApproachingEscalation {
		t.Errorf("ratio %v should flag approaching", got.ProgressRatio)
	}

	// 6 business hours: ratio 0.75.
	got = Classify(pending(at(9, 0)), at(15, 0), th, cal)
	if got.ApproachingEscalation {
		t.Errorf("ratio %v should not flag approaching", got.ProgressRatio)
	}
}

func TestClassifyNotVisitingThresholds(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	o := pending(at(9, 0))
	o.Status = StatusTemporarilyNotVisiting

	// 9 business hours: past the 8h reminder but short of the 16h escalation.
	got := Classify(o, at(18, 0), th, cal)
	if !got.ReminderDue || got.EscalationDue {
		t.Errorf("not-visiting at 9h: reminder=%v escalation=%v, want true/false", got.ReminderDue, got.EscalationDue)
	}
}

func TestClassifyUnmonitoredStatus(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()

	o := pending(at(9, 0))
	o.Status = Status("Completed")

	got := Classify(o, at(18, 0), th, cal)
	if got.Monitored {
		t.Fatal("unknown status must not be monitored")
	}
	if got.ReminderDue || got.EscalationDue || got.ApproachingEscalation {
		t.Error("unmonitored status must suppress all SLA flags")
	}
	if got.ProgressRatio != 0 || got.OverdueHours != 0 || got.EscalationLevel != 0 {
		t.Error("unmonitored status must zero derived numerics")
	}
	// Elapsed is still computed for display purposes.
	if got.ElapsedHours != 9 {
		t.Errorf("elapsed = %v, want 9", got.ElapsedHours)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	cal := businesstime.DefaultCalendar()
	th := DefaultThresholds()
	o := pending(at(9, 30))
	now := at(16, 45)

	first := Classify(o, now, th, cal)
	second := Classify(o, now, th, cal)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("classifier is not deterministic (-first +second):\n%s", diff)
	}
	// Input untouched.
	if o.ReminderDue || o.ElapsedHours != 0 {
		t.Error("Classify must not mutate its input")
	}
}

func TestSourceHashStable(t *testing.T) {
	a := pending(at(9, 0))
	b := pending(at(9, 0))
	if a.SourceHash() != b.SourceHash() {
		t.Error("identical business fields must hash identically")
	}

	b.Address = "13 Jianguo Rd"
	if a.SourceHash() == b.SourceHash() {
		t.Error("changed business field must change the hash")
	}

	// Derived fields must not affect the hash.
	c := Classify(a, at(18, 0), DefaultThresholds(), businesstime.DefaultCalendar())
	if a.SourceHash() != c.SourceHash() {
		t.Error("derived fields must not participate in the source hash")
	}
}
