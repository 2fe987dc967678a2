// Package telemetry provides the observability stack shared by simtree
// clients and servers.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher behind a single
// Telemetry value:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Remote calls
//
// Every call a tree session makes to its authority goes through
// RecordRemoteCall, which opens a client span named "remote.<op>" with a
// tree.path attribute, observes remote_call_duration_seconds, counts
// remote_calls_total and, on failure, remote_call_errors_total labelled
// with the error class.
//
// # Metrics
//
// Metrics live in a private registry rather than the global default one, so
// several sessions in one process never collide. Handler exposes it over
// HTTP; StartMetricsServer does so on the configured listen address. All
// Record methods are safe on a nil or disabled *Metrics.
//
// # Events
//
// EventPublisher carries tree-level notifications: members created,
// deleted or renamed, progress of long-running commands, writes refused
// by policy and session shutdown. Subscribers may filter by type, level or
// session:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeCommandProgress))
//
// Synchronous publishers call subscribers inline; async publishers deliver
// from one goroutine in publish order and drain on Shutdown.
package telemetry
