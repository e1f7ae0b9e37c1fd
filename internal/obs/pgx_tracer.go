package obs

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ctxSpanKey struct{}

var sqlTablePattern = regexp.MustCompile(`(?i)\b(?:from|into|update|join)\s+("?[a-z_][a-z0-9_]*"?(?:\."?[a-z_][a-z0-9_]*"?)?)`)

// PGXTracer implements pgx.QueryTracer. Spans are named after the statement
// verb and first table ("pgx UPDATE invoices") and carry the invoice id from
// WithInvoiceID so a payment can be followed through its queries.
type PGXTracer struct {
	// Provider defaults to the global tracer provider.
	Provider trace.TracerProvider
}

func (t PGXTracer) tracer() trace.Tracer {
	if t.Provider != nil {
		return t.Provider.Tracer("billing/pgx")
	}
	return otel.Tracer("billing/pgx")
}

func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op, table := describeSQL(data.SQL)
	name := "pgx"
	if op != "" {
		name += " " + op
	}
	if table != "" {
		name += " " + table
	}
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncateSQL(data.SQL)),
	}
	if op != "" {
		attrs = append(attrs, attribute.String("db.operation", op))
	}
	if table != "" {
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	if id := InvoiceIDFromContext(ctx); id != "" {
		attrs = append(attrs, AttrInvoiceID.String(id))
	}
	ctx, span := t.tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return context.WithValue(ctx, ctxSpanKey{}, span)
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(ctxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, "query failed")
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

// describeSQL returns the upper-cased statement verb and the first table it
// touches, skipping a leading WITH clause.
func describeSQL(sql string) (string, string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "", ""
	}
	op := strings.ToUpper(fields[0])
	if op == "WITH" {
		for _, f := range fields[1:] {
			switch upper := strings.ToUpper(f); upper {
			case "SELECT", "INSERT", "UPDATE", "DELETE":
				op = upper
			}
			if op != "WITH" {
				break
			}
		}
	}
	table := ""
	if m := sqlTablePattern.FindStringSubmatch(sql); len(m) == 2 {
		table = strings.ToLower(strings.ReplaceAll(m[1], `"`, ""))
	}
	return op, table
}

func truncateSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > 300 {
		return trimmed[:300] + "..."
	}
	return trimmed
}
