package pricing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-bullion/internal/obs"
)

var tracer = otel.Tracer("github.com/noah-isme/backend-bullion/internal/pricing")

// Service is the single entry point for order pricing. It wraps Engine with
// tracing, metrics and logging and has no other state.
type Service struct {
	Engine Engine
	Logger zerolog.Logger
}

// NewService constructs a pricing service.
func NewService(engine Engine, logger zerolog.Logger) *Service {
	return &Service{Engine: engine, Logger: logger}
}

// ComputeOrderTotals computes a fresh totals snapshot for in.
func (s *Service) ComputeOrderTotals(ctx context.Context, in OrderInput) (OrderTotals, error) {
	_, span := tracer.Start(ctx, "pricing.ComputeOrderTotals")
	defer span.End()
	span.SetAttributes(
		attribute.String("pricing.side", string(in.Side)),
		attribute.String("pricing.method", string(in.Method)),
		attribute.Int("pricing.items", len(in.Items)),
	)

	totals, err := s.Engine.ComputeOrderTotals(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger(ctx).Debug().Err(err).Msg("order_totals_rejected")
		return OrderTotals{}, err
	}

	if obs.OrderTotalsComputed != nil {
		obs.OrderTotalsComputed.WithLabelValues(string(totals.Side), string(totals.Method)).Inc()
	}
	span.SetAttributes(
		attribute.Int64("pricing.base_total", totals.BaseTotal),
		attribute.Int64("pricing.post_charges", totals.PostChargesAmount),
	)
	s.logger(ctx).Debug().
		Str("side", string(totals.Side)).
		Str("method", string(totals.Method)).
		Int64("base_total", totals.BaseTotal).
		Int64("applied_funds", totals.AppliedFunds).
		Int64("surcharge", totals.SurchargeAmount).
		Int64("post_charges", totals.PostChargesAmount).
		Bool("unavailable", totals.Unavailable).
		Msg("order_totals_computed")
	return totals, nil
}

func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.Logger
}
