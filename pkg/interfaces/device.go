// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"

	"github.com/soothill/switchmeter/mirror"
)

// DeviceMirror is the in-memory last-known device state.
type DeviceMirror interface {
	Set(identity string, state mirror.State) error
	Get(identity string) mirror.State
}

// CommandDispatcher publishes power commands to devices.
type CommandDispatcher interface {
	// Send publishes a command and waits for the broker acknowledgement
	Send(ctx context.Context, identity string, desiredOn bool) error

	// IsConnected reports whether the broker connection is currently up
	IsConnected() bool
}
