/*
Package log provides structured logging for the orchestrator built on zerolog.

A single global logger is initialized once by the CLI and shared by every
component; managers derive child loggers carrying a component field:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("network")
	logger.Info().Str("name", netName).Msg("network created")

Console output (human-readable, timestamped) is the default; JSON output is
available for machine consumption.
*/
package log
