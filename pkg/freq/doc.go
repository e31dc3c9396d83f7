/*
Package freq models transmission frequency specifications and the
interval arithmetic the dispatcher uses to match challenges to runner
hardware.

A Spec is a tagged union: a single frequency, an explicit closed range,
or a set of named amateur bands. Runner devices carry capability ranges;
a challenge is assignable to a runner when the intersection of the two
sets is non-empty, and the concrete transmit frequency is always picked
from inside that intersection.

All values are integer Hz.
*/
package freq
