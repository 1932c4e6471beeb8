// Package telemetry provides observability instrumentation for papersync.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and a run event publisher behind a
// single Telemetry value that travels in a context.Context.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Library packages never construct telemetry themselves. They read it from
// the context and degrade to no-ops when it is absent: FromContext yields a
// discarding logger, and Metrics and EventPublisher methods accept nil
// receivers.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("installer")
//	logger = logger.WithRunID(runID).WithResource("tag", "Invoices")
//	logger.Info("resource created")
//
// # Runs and Operations
//
//	ctx = telemetry.WithRunContext(ctx, runID, "update", "de/household@1.2.0")
//	defer telemetry.EndRunContext(ctx, status, created, err)
//
//	ic := telemetry.StartOperation(ctx, "taxonomy.detect_changes")
//	defer ic.End(err)
//
//	err := telemetry.RecordGatewayOperation(ctx, "tag", "list", func(ctx context.Context) error {
//	    remote, err = gw.Tags().List(ctx)
//	    return err
//	})
//
// # Events
//
// The event publisher reports run progress to subscribers such as the CLI
// progress printer. Subscribers see events in publish order.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeResourceCreated))
//
// # Metrics
//
// Key metrics exposed when Metrics.Enabled is set:
//
//   - papersync_runs_completed_total{operation,status}
//   - papersync_run_duration_seconds{operation,status}
//   - papersync_pending_creations{kind}
//   - papersync_resources_created_total{kind}
//   - papersync_resources_rolled_back_total{kind}
//   - papersync_rollback_failures_total{kind}
//   - papersync_gateway_calls_total{kind,operation}
//   - papersync_gateway_errors_total{kind,operation}
//   - papersync_errors_by_class_total{class}
package telemetry
