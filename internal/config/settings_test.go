package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettingsFromMapDefaults(t *testing.T) {
	s := SettingsFromMap(nil)

	assert.Equal(t, 60*time.Minute, s.ExecutionInterval)
	assert.Equal(t, 300*time.Second, s.TickTimeout)
	assert.Equal(t, 5, s.MaxRetries)
	assert.True(t, s.RemindersEnabled)
	assert.True(t, s.EscalationsEnabled)
	assert.Equal(t, 120*time.Minute, s.Cooldown)
	assert.Equal(t, time.Second, s.WebhookAPIInterval)
	assert.Equal(t, 2.0, s.CooldownHours())

	th := s.Thresholds()
	assert.Equal(t, 4.0, th.PendingReminder)
	assert.Equal(t, 16.0, th.NotVisitingEscalation)

	cal := s.Calendar()
	assert.Equal(t, 9, cal.StartHour)
	assert.Equal(t, 19, cal.EndHour)
}

func TestSettingsFromMapOverrides(t *testing.T) {
	s := SettingsFromMap(map[string]string{
		"agent_execution_interval":        "30",
		"tick_timeout_seconds":            "120",
		"agent_max_retries":               "2",
		"notification_reminder_enabled":   "false",
		"notification_escalation_enabled": "off",
		"notification_cooldown":           "60",
		"webhook_api_interval":            "0.5",
		"reminder_max_display_orders":     "3",
		"sla_pending_reminder":            "2",
		"work_start_hour":                 "8",
		"work_end_hour":                   "18",
		"work_days":                       "1,2,3,4,5,6",
	})

	assert.Equal(t, 30*time.Minute, s.ExecutionInterval)
	assert.Equal(t, 120*time.Second, s.TickTimeout)
	assert.Equal(t, 2, s.MaxRetries)
	assert.False(t, s.RemindersEnabled)
	assert.False(t, s.EscalationsEnabled)
	assert.Equal(t, 60*time.Minute, s.Cooldown)
	assert.Equal(t, 500*time.Millisecond, s.WebhookAPIInterval)
	assert.Equal(t, 3, s.ReminderMaxDisplayOrders)
	assert.Equal(t, 2.0, s.SLAPendingReminder)
	assert.True(t, s.Calendar().Days[6], "Saturday enabled")
}

func TestSettingsFromMapMalformedKeepsDefaults(t *testing.T) {
	s := SettingsFromMap(map[string]string{
		"agent_execution_interval": "soon",
		"agent_max_retries":        "-1",
		"work_days":                "1,2,banana",
		"notification_cooldown":    "",
	})

	d := DefaultSettings()
	assert.Equal(t, d.ExecutionInterval, s.ExecutionInterval)
	assert.Equal(t, d.MaxRetries, s.MaxRetries)
	assert.Equal(t, d.WorkDays, s.WorkDays)
	assert.Equal(t, d.Cooldown, s.Cooldown)
}
