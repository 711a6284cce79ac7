// Package logging wraps zap with context-aware methods for synthd.
//
// Loggers inject correlation fields carried on the context: the OpenTelemetry
// trace and span ids plus the pipeline run, batch and stage. Output goes to
// stdout, to an OpenTelemetry log provider, or both.
//
//	logger, err := logging.NewLogger(logging.FromSettings(cfg.Logging), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRun(ctx, "run-000042", "9f2c1a0b7d3e4f56")
//	ctx = logging.WithStage(ctx, "logic_check")
//	logger.Info(ctx, "stage completed", zap.Int("attempts", 2))
//
// produces
//
//	{"level":"info","msg":"stage completed","run_id":"run-000042",
//	 "batch_id":"9f2c1a0b7d3e4f56","stage":"logic_check","attempts":2}
//
// Fields named like credentials (api_key, token, authorization and so on)
// and values matching bearer or key patterns are redacted by the encoder.
// Errors are never sampled; debug, info and warn are sampled per level.
package logging
