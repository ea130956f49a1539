package telemetry

import (
	"context"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for database query tracing
type DBTracingConfig struct {
	Enabled bool
	// LogFullSQL includes query parameters in spans. Statement values
	// carry tenant billing data, so keep this off outside development.
	LogFullSQL       bool
	SlowQueryThresh  time.Duration
	DBSystem         string
	WithoutVariables bool
}

// DBTracingPlugin wraps otelgorm and augments its spans with row
// counts, error status and slow query events
type DBTracingPlugin struct {
	config DBTracingConfig
	logger *zap.Logger
}

// NewDBTracingPlugin creates a database tracing plugin
func NewDBTracingPlugin(cfg DBTracingConfig, logger *zap.Logger) *DBTracingPlugin {
	if cfg.SlowQueryThresh <= 0 {
		cfg.SlowQueryThresh = 200 * time.Millisecond
	}
	return &DBTracingPlugin{config: cfg, logger: logger}
}

// RegisterOtelGorm installs otelgorm plus the timing callbacks on the
// GORM instance. A disabled config is a no-op.
func (p *DBTracingPlugin) RegisterOtelGorm(db *gorm.DB) error {
	if !p.config.Enabled {
		p.logger.Debug("Database tracing disabled, skipping otelgorm registration")
		return nil
	}

	opts := []otelgorm.Option{
		otelgorm.WithDBName(p.config.DBSystem),
	}
	if !p.config.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}

	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}
	if err := p.registerTimingCallbacks(db); err != nil {
		return err
	}

	p.logger.Info("Database tracing enabled",
		zap.Bool("log_full_sql", p.config.LogFullSQL),
		zap.Duration("slow_query_threshold", p.config.SlowQueryThresh),
		zap.String("db_system", p.config.DBSystem),
	)
	return nil
}

// registerTimingCallbacks wraps every GORM operation with a start-time
// marker and a span enrichment pass
func (p *DBTracingPlugin) registerTimingCallbacks(db *gorm.DB) error {
	registrations := []struct {
		err error
	}{
		{db.Callback().Create().Before("gorm:create").Register("otel_timing:before_create", p.markStart)},
		{db.Callback().Query().Before("gorm:query").Register("otel_timing:before_query", p.markStart)},
		{db.Callback().Update().Before("gorm:update").Register("otel_timing:before_update", p.markStart)},
		{db.Callback().Delete().Before("gorm:delete").Register("otel_timing:before_delete", p.markStart)},
		{db.Callback().Row().Before("gorm:row").Register("otel_timing:before_row", p.markStart)},
		{db.Callback().Raw().Before("gorm:raw").Register("otel_timing:before_raw", p.markStart)},
		{db.Callback().Create().After("gorm:create").Register("otel_slow_query:create", p.enrichSpan)},
		{db.Callback().Query().After("gorm:query").Register("otel_slow_query:query", p.enrichSpan)},
		{db.Callback().Update().After("gorm:update").Register("otel_slow_query:update", p.enrichSpan)},
		{db.Callback().Delete().After("gorm:delete").Register("otel_slow_query:delete", p.enrichSpan)},
		{db.Callback().Row().After("gorm:row").Register("otel_slow_query:row", p.enrichSpan)},
		{db.Callback().Raw().After("gorm:raw").Register("otel_slow_query:raw", p.enrichSpan)},
	}
	for _, r := range registrations {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}

func (p *DBTracingPlugin) markStart(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartTimeKey, time.Now())
	}
}

// enrichSpan runs after each operation. It annotates the otelgorm span
// with the affected rows and table, records non-NotFound errors, and
// flags queries that exceeded the slow threshold.
func (p *DBTracingPlugin) enrichSpan(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}

	if db.Statement.RowsAffected >= 0 {
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}

	if db.Error != nil && db.Error != gorm.ErrRecordNotFound {
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	if startTime, ok := ctx.Value(queryStartTimeKey).(time.Time); ok {
		elapsed := time.Since(startTime)
		if elapsed > p.config.SlowQueryThresh {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
			span.AddEvent("slow_query_warning", trace.WithAttributes(
				attribute.Int64("duration_ms", elapsed.Milliseconds()),
				attribute.Int64("threshold_ms", p.config.SlowQueryThresh.Milliseconds()),
			))
		}
	}
}

type contextKey string

const queryStartTimeKey contextKey = "otel_query_start_time"
