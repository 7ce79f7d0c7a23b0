// Package task orchestrates queued work. It defines the persistence contract
// (TaskStore, WorkerStore), the scheduling strategies that decide which queued
// task a worker claims next, and the runtime pieces built on top of them: the
// worker loop, the fixed-size worker pool, the health monitor that reclaims
// tasks from stalled workers, recurring producers, and the TaskRunner that
// ties them together behind a small submission API.
//
// No component holds authoritative state in memory. Every decision that must
// survive a crash or be shared between processes goes through the store.
package task
