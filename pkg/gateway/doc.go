// Package gateway is the HTTP and websocket surface of the bulk manager.
//
// # Surface
//
// Everything mounts under /api behind one chi router: cookie auth
// (/auth/*), the raw GitLab proxy (/gitlab/*), bulk plan submission
// (/gitlab/bulk/*), SVN migration operations (/svn/*), and job inspection
// (/jobs). The progress feed lives at /ws outside the /api prefix but
// behind the same session check. /healthz, /readyz and /metrics need no
// session.
//
// # Sessions
//
// Login validates the supplied token against the target GitLab and answers
// with an opaque session id in a Secure, HttpOnly, SameSite=Strict cookie.
// The token itself never travels back to the browser and never appears in a
// response or log. Every private route resolves the cookie through the
// session store, which also bumps the idle clock.
//
// # Proxy
//
// /api/gitlab/* forwards a single call to the session's GitLab instance
// with the session token injected upstream-side. Responses come back
// verbatim: status, body and the pagination header set, so a UI can page
// exactly as it would against GitLab directly. Bulk routes are carved out
// of the proxy prefix and become jobs instead.
//
// # Websocket Feed
//
// GET /ws upgrades after the same cookie check. Clients send small
// JSON frames to subscribe to job topics; each subscription replays the
// topic ring, then streams live events in one ordered feed. A slow client
// backs pressure up into its bounded bus queue, where overflow is counted
// and surfaces as lag events rather than blocked publishers.
//
// # See Also
//
// Job semantics live in pkg/registry, plan validation in pkg/bulk, and
// the migration pipeline in pkg/migrate.
package gateway
