// Package model defines the persisted entities of the orchestration engine:
// tasks, expert instances, dependency edges, workflow definitions and alerts.
// All entities are tenant-scoped and expose Clone methods so that stores can
// hand out copies instead of shared pointers.
package model
