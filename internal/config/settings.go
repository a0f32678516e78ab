package config

import (
	"strconv"
	"strings"
	"time"

	"slawatch/internal/businesstime"
	"slawatch/internal/opportunity"
)

// Settings is the typed snapshot of the system_config table, taken once
// at the start of each tick so a whole run sees one consistent view.
// Unset or malformed keys fall back to these defaults.
type Settings struct {
	ExecutionInterval time.Duration // between scheduled ticks
	TickTimeout       time.Duration // hard deadline for one tick
	MaxRetries        int           // per-task send attempts

	RemindersEnabled   bool
	EscalationsEnabled bool

	Cooldown           time.Duration // between sends for one dedup key
	WebhookAPIInterval time.Duration // pacing sleep between webhook calls

	ReminderMaxDisplayOrders   int
	EscalationMaxDisplayOrders int

	SLAPendingReminder       float64 // business hours
	SLAPendingEscalation     float64
	SLANotVisitingReminder   float64
	SLANotVisitingEscalation float64

	WorkStartHour int
	WorkEndHour   int
	WorkDays      []int // ISO weekday numbers, 1=Monday
}

// DefaultSettings returns the coded defaults used when system_config is
// empty.
func DefaultSettings() Settings {
	return Settings{
		ExecutionInterval:          60 * time.Minute,
		TickTimeout:                300 * time.Second,
		MaxRetries:                 5,
		RemindersEnabled:           true,
		EscalationsEnabled:         true,
		Cooldown:                   120 * time.Minute,
		WebhookAPIInterval:         1 * time.Second,
		ReminderMaxDisplayOrders:   5,
		EscalationMaxDisplayOrders: 5,
		SLAPendingReminder:         4,
		SLAPendingEscalation:       8,
		SLANotVisitingReminder:     8,
		SLANotVisitingEscalation:   16,
		WorkStartHour:              9,
		WorkEndHour:                19,
		WorkDays:                   []int{1, 2, 3, 4, 5},
	}
}

// SettingsFromMap parses raw system_config key/value pairs into a
// Settings snapshot. Unknown keys are ignored; unparsable values keep
// the default for that key.
func SettingsFromMap(raw map[string]string) Settings {
	s := DefaultSettings()

	if v, ok := parseFloat(raw, "agent_execution_interval"); ok && v > 0 {
		s.ExecutionInterval = time.Duration(v * float64(time.Minute))
	}
	if v, ok := parseInt(raw, "tick_timeout_seconds"); ok && v > 0 {
		s.TickTimeout = time.Duration(v) * time.Second
	}
	if v, ok := parseInt(raw, "agent_max_retries"); ok && v >= 0 {
		s.MaxRetries = v
	}

	if v, ok := parseBool(raw, "notification_reminder_enabled"); ok {
		s.RemindersEnabled = v
	}
	if v, ok := parseBool(raw, "notification_escalation_enabled"); ok {
		s.EscalationsEnabled = v
	}

	if v, ok := parseFloat(raw, "notification_cooldown"); ok && v >= 0 {
		s.Cooldown = time.Duration(v * float64(time.Minute))
	}
	if v, ok := parseFloat(raw, "webhook_api_interval"); ok && v >= 0 {
		s.WebhookAPIInterval = time.Duration(v * float64(time.Second))
	}

	if v, ok := parseInt(raw, "reminder_max_display_orders"); ok && v > 0 {
		s.ReminderMaxDisplayOrders = v
	}
	if v, ok := parseInt(raw, "escalation_max_display_orders"); ok && v > 0 {
		s.EscalationMaxDisplayOrders = v
	}

	if v, ok := parseFloat(raw, "sla_pending_reminder"); ok && v > 0 {
		s.SLAPendingReminder = v
	}
	if v, ok := parseFloat(raw, "sla_pending_escalation"); ok && v > 0 {
		s.SLAPendingEscalation = v
	}
	if v, ok := parseFloat(raw, "sla_not_visiting_reminder"); ok && v > 0 {
		s.SLANotVisitingReminder = v
	}
	if v, ok := parseFloat(raw, "sla_not_visiting_escalation"); ok && v > 0 {
		s.SLANotVisitingEscalation = v
	}

	if v, ok := parseInt(raw, "work_start_hour"); ok {
		s.WorkStartHour = v
	}
	if v, ok := parseInt(raw, "work_end_hour"); ok {
		s.WorkEndHour = v
	}
	if days, ok := parseDays(raw["work_days"]); ok {
		s.WorkDays = days
	}

	return s
}

// Calendar builds the business-time calendar for this snapshot.
func (s Settings) Calendar() businesstime.Calendar {
	return businesstime.NewCalendar(s.WorkStartHour, s.WorkEndHour, s.WorkDays)
}

// Thresholds builds the SLA threshold table for this snapshot.
func (s Settings) Thresholds() opportunity.Thresholds {
	return opportunity.Thresholds{
		PendingReminder:       s.SLAPendingReminder,
		PendingEscalation:     s.SLAPendingEscalation,
		NotVisitingReminder:   s.SLANotVisitingReminder,
		NotVisitingEscalation: s.SLANotVisitingEscalation,
	}
}

// CooldownHours returns the cooldown expressed in hours, the unit the
// task table stores.
func (s Settings) CooldownHours() float64 {
	return s.Cooldown.Hours()
}

func parseInt(raw map[string]string, key string) (int, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloat(raw map[string]string, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseBool(raw map[string]string, key string) (bool, bool) {
	v, ok := raw[key]
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// parseDays accepts a comma-separated list of ISO weekday numbers.
func parseDays(v string) ([]int, bool) {
	if strings.TrimSpace(v) == "" {
		return nil, false
	}
	var days []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > 7 {
			return nil, false
		}
		days = append(days, n)
	}
	return days, true
}
