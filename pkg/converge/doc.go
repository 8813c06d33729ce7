/*
Package converge reconciles declared intent against live proxy state.

One convergence pass partitions the declared routes by host, ensures
each host has a certificate assignment (creating one in Pending state
and acquiring material through its provider), and applies the host's
routes to proxy state root-route-first. A host whose acquisition fails
is marked Failed and gets no routes applied: the proxy never serves an
unencrypted fallback for a host declared to require TLS. Hosts converge
independently, so one host's failure never blocks the rest of the pass.

Passes are serialized by a single convergence lock. Acquisition network
round trips run outside that lock; only planning and the apply step hold
it, so a slow authority does not block declarations for other hosts. An
acquisition whose host was removed or re-declared while it was in flight
is discarded by comparing the table's per-host revision, guaranteeing
proxy state is never mutated by a stale result.

Re-running a pass against unchanged state produces zero proxy mutations.
*/
package converge
