// Package types defines the CHEAP data model (Catalog, Hierarchy, Entity,
// Aspect, Property), the storage interfaces every backend implements, the
// backend Config, and the typed errors shared across the module.
//
// The in-memory graph is pure computation: nothing here blocks or performs
// I/O. A Catalog is owned by exactly one caller at a time and is not safe for
// concurrent mutation.
package types
