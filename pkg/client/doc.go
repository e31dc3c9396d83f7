/*
Package client is the runner-side HTTP client for the controller API.

Requests carry the runner's bearer API key plus the X-Runner-MAC and
X-Runner-Machine-ID host identifiers. Transport failures and 5xx
responses retry with capped exponential backoff, except in PollTask and
DownloadFile, which make a single attempt; the error taxonomy maps
onto sentinels the agent branches on:

	ErrAuthFailed       fatal at enroll/register
	ErrStaleAssignment  work is no longer ours — never retried
	ErrConflict         enrollment token already consumed
*/
package client
