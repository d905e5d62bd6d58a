// Package domain holds the core types shared across the messaging
// pipeline: jobs and their state machine, failures, campaign runs,
// contacts, channel content variants, the worker error taxonomy, and
// the event envelope published on the bus.
//
// The package has no dependencies on storage, transport, or providers;
// everything here is plain data plus the transition rules.
package domain
