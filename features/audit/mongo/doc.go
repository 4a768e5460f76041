// Package mongo registers MongoDB-backed audit storage for foreman runs.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an audit.Store that persists append-only run records.
package mongo
