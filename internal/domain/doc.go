// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (change.go, source.go, errors.go) with the shared
// change-feed model and the contracts adapters implement. No implementation code - just contracts.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
