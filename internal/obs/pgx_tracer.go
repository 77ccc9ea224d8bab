package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

// PGXTracer emits a client span per query against the funds ledger.
type PGXTracer struct{}

func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op := "query"
	if fields := strings.Fields(data.SQL); len(fields) > 0 {
		op = strings.ToUpper(fields[0])
	}
	ctx, _ = otel.Tracer("github.com/noah-isme/backend-bullion/internal/database").Start(ctx, "pgx "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", op),
			attribute.String("db.query.text", clip(data.SQL)),
		),
	)
	return ctx
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

func clip(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > maxStatementLen {
		return sql[:maxStatementLen] + "..."
	}
	return sql
}
