// Package events provides an in-process publish/subscribe broker for
// controller events. Certificate expiry alerts reach operators through
// this broker; slow subscribers are skipped rather than blocking the
// convergence path.
package events
