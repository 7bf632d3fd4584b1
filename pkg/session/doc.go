// Package session holds server-side sessions for the gateway. A login
// validates a personal access token against its GitLab instance, then
// stores the token sealed under a process-ephemeral AES-256-GCM key and
// hands the browser an opaque session ID.
//
// # Core Components
//
// Store is the in-memory session table. Sessions expire after an idle TTL
// and a background sweeper removes them; Touch refreshes the clock on
// every authenticated request. WithToken is the only way to reach the
// plaintext token, and it scopes the plaintext to a callback.
//
// # Security
//
// The token never appears on types.Session, in logs, or in anything the
// store serializes. The vault key is generated at startup and never
// leaves the process, so sessions do not survive a restart. Revoking a
// session zeroes the sealed bytes before dropping the entry.
//
// # See Also
//
//   - pkg/gitlab for the Validator that backs Login
//   - pkg/gateway for the cookie and middleware wiring
package session
