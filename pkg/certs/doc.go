/*
Package certs provides polymorphic certificate sourcing for gatehouse
hosts behind a single Provider contract: Acquire and NeedsRenewal.

Two implementations exist. StaticProvider returns operator-supplied PEM
material unchanged; it never renews through the scheduler. ACMEProvider
performs HTTP-01 challenges against an ACME authority using lego,
serving the validation token from a temporary listener on a fixed port.
Because that listener is a shared resource, acquisitions are serialized
per controller instance, not per host.

Acquisition failures map onto a small taxonomy the convergence engine
and renewal scheduler act on: ErrValidationUnreachable (an intermediary
intercepts the host's traffic or the port is closed),
ErrValidationTimeout, ErrRateLimited, and ErrAuthorityRejected.
*/
package certs
