// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"

	"github.com/soothill/switchmeter/switches"
)

// SwitchStore defines the durable switch record store.
// Implementations must make CompareAndUpdate conditional on Record.Version.
type SwitchStore interface {
	// Get loads a record by store id
	Get(ctx context.Context, id int64) (*switches.Record, error)

	// Resolve loads a record by store id or external switchId
	Resolve(ctx context.Context, identity string) (*switches.Record, error)

	// List returns all records
	List(ctx context.Context) ([]*switches.Record, error)

	// Create inserts a new record and returns it with its id
	Create(ctx context.Context, rec *switches.Record) (*switches.Record, error)

	// CompareAndUpdate persists the accounting fields if the version is unchanged
	CompareAndUpdate(ctx context.Context, rec *switches.Record) (*switches.Record, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error
}
