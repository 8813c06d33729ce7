// Package storage persists controller state: declared routes, per-host
// certificate assignments (including PEM material), and the ACME account
// key. The BoltDB implementation keeps everything in a single file so a
// restarted controller resumes from its last-known-good state.
package storage
