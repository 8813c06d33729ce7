/*
Package proxy holds the live, applied reverse-proxy state and the
servers that serve from it.

State is the single owned mutable resource of the system. It is written
exclusively by the convergence engine through ApplyHost and DropHost;
everything else reads consistent snapshots. A host's applied routes and
TLS binding always reflect the last convergence pass that fully
succeeded for that host, so the listing never exposes a half-applied
intermediate.

Server terminates TLS using SNI against the applied per-host
certificates and forwards to backend targets with the usual
X-Forwarded headers, per-route rate limits, and request body limits.
Handshakes for hosts whose certificate is past its hard expiry are
refused: expired material is never served.
*/
package proxy
