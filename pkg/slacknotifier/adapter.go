// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"fmt"

	"github.com/soothill/switchmeter/pkg/interfaces"
)

// AlertAdapter turns switch engine events into Slack alerts.
type AlertAdapter struct {
	notifier interfaces.Notifier
}

// NewAlertAdapter creates a new adapter.
func NewAlertAdapter(notifier interfaces.Notifier) *AlertAdapter {
	return &AlertAdapter{notifier: notifier}
}

// SendInconsistentState reports a switch record that failed an invariant check
func (a *AlertAdapter) SendInconsistentState(ctx context.Context, switchID string, err error) error {
	return a.notifier.SendAlert(ctx, "danger", "⚠️ Inconsistent Switch Record",
		fmt.Sprintf("Switch %s was not toggled: %v\nThe record was left unchanged and needs manual repair.", switchID, err))
}

// SendBrokerLost sends an alert when the MQTT connection drops
func (a *AlertAdapter) SendBrokerLost(ctx context.Context, broker string, err error) error {
	return a.notifier.SendAlert(ctx, "danger", "⚠️ MQTT Broker Connection Lost",
		fmt.Sprintf("Lost connection to %s: %v\nSwitch commands will fail until the connection is restored.", broker, err))
}

// SendBrokerRestored sends an alert when the MQTT connection comes back
func (a *AlertAdapter) SendBrokerRestored(ctx context.Context, broker string) error {
	return a.notifier.SendAlert(ctx, "good", "✅ MQTT Broker Connection Restored",
		fmt.Sprintf("Connection to %s has been restored.", broker))
}

// SendPropagationBacklog warns that propagation jobs are being dropped
func (a *AlertAdapter) SendPropagationBacklog(ctx context.Context, dropped int64) error {
	return a.notifier.SendAlert(ctx, "warning", "⚠️ Propagation Queue Full",
		fmt.Sprintf("%d mirror/command updates were dropped because the propagation queue was full.", dropped))
}

// IsEnabled returns whether Slack notifications are enabled
func (a *AlertAdapter) IsEnabled() bool {
	return a.notifier.IsEnabled()
}
