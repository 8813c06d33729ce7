/*
Package routes maintains the declarative route table for gatehouse.

A route maps (host, path prefix) to a backend target. The table enforces
two invariants at declaration time:

  - A host's root route (path prefix "/") must exist before any other
    prefix can be declared for that host, and it carries the host's
    certificate sourcing.
  - A root route cannot be removed while non-root routes remain for the
    host, since those routes would become unroutable.

Declarations are idempotent: re-declaring an identical route is a no-op,
and declaring a different route for an already-declared (host, prefix)
replaces it. The table validates syntax only; target liveness and
certificate acquisition are the convergence engine's concern.
*/
package routes
