// Package health provides HTTP health checking for backend targets and
// a monitor that records results in proxy state for operator listings.
package health
