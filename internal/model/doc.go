// Package model defines shared data types used across streamkeeper.
//
// Conventions:
//   - Timestamps on the wire: int64 seconds since Unix epoch
//   - Local timestamps: time.Time
//   - Account keys: opaque strings, "default" in single-tenant deployments
package model
