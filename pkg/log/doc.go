/*
Package log provides structured logging built on zerolog.

Init configures the root logger once at process start (console on stderr
by default, JSON with --log-json). Components take child loggers via
WithComponent; assignment-scoped code paths use WithAssignment so a
challenge/runner pair's whole history is correlated:

	logger := log.WithAssignment(challengeID, runnerID)
	logger.Info().Uint64("frequency", hz).Msg("Challenge assigned")
*/
package log
