/*
Package config loads the YAML configuration for the controller and the
agent.

Controller config carries the listen address, optional TLS pair, data
directory, the timing tunables (poll/heartbeat intervals, heartbeat
timeout, assignment TTL, sweep cadences, session timeout) and the
declarative challenge set. Agent config carries the controller URL,
credential file locations, cache directory, device inventory and the
transmit subprocess argv template.

Durations are written as Go duration strings ("90s", "5m"); zero values
take the documented defaults.
*/
package config
