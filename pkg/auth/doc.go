/*
Package auth resolves request credentials to principals and owns
credential hashing.

Resolution applies these rules in order, first match wins:

 1. Bearer token bcrypt-matching an enrolled runner's key hash, where at
    least one request host identifier (MAC, machine id) matches the
    runner's stored value → Runner. A valid key from the wrong host is
    rejected outright, never downgraded.
 2. Bearer token matching a provisioning key → Provisioning.
 3. Bearer token matching an unused, unexpired enrollment token →
    Enrollment.
 4. Session cookie for an unexpired, TOTP-verified session → Admin.
 5. Anonymous.

Comparisons that can fail are equalized in time: machine-id and CSRF
token comparisons use crypto/subtle (the MAC is compared
case-insensitively with strings.EqualFold), and when no stored hash
matches a bearer token one bcrypt
comparison against a fixed dummy hash runs anyway, so response time does
not reveal whether a key or account exists.

Admin mutations additionally present the session's CSRF token in the
X-CSRF-Token header.
*/
package auth
