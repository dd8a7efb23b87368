// Package log provides structured JSON logging for the push delivery
// manager, wrapping zerolog with a global instance and a small set of
// child-logger constructors for the fields call sites need repeatedly.
//
// Initialize once at startup:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
//
// Component loggers carry a "component" field through every line they
// emit, which is how pkg/push tags its manager logs:
//
//	managerLog := log.WithComponent("push.manager")
//	managerLog.Info().Msg("manager started")
//
// WithSubscriptionID and WithAccountID build loggers pre-tagged with the
// corresponding JMAP id, for call sites that log more than once about the
// same subscription or account.
package log
