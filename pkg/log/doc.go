/*
Package log provides structured logging on top of zerolog.

Init configures the global Logger once at startup; every engine then derives
a child logger carrying its component name:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("dispatch")
	logger.Info().Int("vm_id", 42).Str("event", "deploy-success").Msg("VM transition")

Field names are shared across components: vm_id, backupjob_id, event, state,
lcm_state, intent_id.
*/
package log
