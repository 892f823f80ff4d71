package store

// Package store is the persistence layer for the scheduling engine.
//
// It holds:
//   - Scheduled task definitions and their run bookkeeping
//   - Reminders (manual and extracted) with send state
//   - Retry subjects tracked per (recipient, period)
//   - A delivery log of dispatch outcomes
//
// Two drivers exist: sqlite (default, file-backed) and memory (tests,
// throwaway runs). Both satisfy the same Store interface.
