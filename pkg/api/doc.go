/*
Package api implements the controller's HTTP control plane.

Every handler is stateless: the principal middleware classifies the
request (runner, admin, provisioning, enrollment, anonymous), then the
handler makes a thin call into the dispatch core or store.

# Endpoints

	POST /enrollment/enroll        enrollment token → runner id + API key
	POST /enrollment/tokens        mint enrollment token (admin/provisioning)
	POST /agents/register          runner registration
	POST /agents/{id}/heartbeat    liveness (runner self only)
	GET  /agents/{id}/task         poll for work
	POST /agents/{id}/complete     completion report
	POST /agents/{id}/signout      clean shutdown
	GET  /files/{digest}           stream blob (runner/admin)
	POST /files                    upload blob (admin, CSRF)
	GET  /challenges               list (admin)
	POST /challenges/reload        config diff (admin, CSRF)
	POST /challenges/{id}/trigger|enable|disable
	GET  /runners                  list (admin)
	POST /system/pause|resume      global dispatch gate (admin, CSRF)
	GET  /dashboard                stats (admin; anonymous when public)
	GET  /events                   websocket event stream
	GET  /healthz, /metrics

# Errors

Failures map onto a fixed wire taxonomy:

	auth-failed       401   bad or missing credentials
	forbidden         403   valid principal, wrong authority
	stale-assignment  409   completion for work no longer held
	conflict          409   enrollment token already consumed
	not-found         404
	capacity          503   write path overloaded

Runner self-ID is enforced on every /agents/{id} route: the
authenticated runner must match the path element.
*/
package api
