package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/lock"
	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/order"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/resilience"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

const (
	taxSaveAttempts = 4
	taxSaveBackoff  = 50 * time.Millisecond
)

var tracer = otel.Tracer("github.com/noah-isme/backend-bullion/internal/checkout")

// QuoteSource returns the latest spot snapshot.
type QuoteSource interface {
	Latest() pricing.Quotes
}

// BalanceSource returns an account's stored funds.
type BalanceSource interface {
	Balance(ctx context.Context, accountID string) (pricing.Money, error)
}

// Locker serialises updates to one session.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service runs checkout sessions: it loads state, feeds events through Reduce,
// persists the result and projects the view.
type Service struct {
	Store    *Store
	Locker   Locker
	Pricing  Pricer
	Quotes   QuoteSource
	Funds    BalanceSource
	Tax      tax.Engine
	Orders   order.Submitter
	Policy   Policy
	Currency string

	LockTTL       time.Duration
	SubmitLockTTL time.Duration
	TaxTimeout    time.Duration
	// TaxRetryAfter is how long a lookup may stay pending before it is
	// dispatched again. Defaults to twice the tax timeout.
	TaxRetryAfter time.Duration
	Logger        zerolog.Logger

	Now   func() time.Time
	NewID func() string
	// Go runs background tax lookups. Defaults to a goroutine per lookup.
	Go func(func())
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) spawn(fn func()) {
	if s.Go != nil {
		s.Go(fn)
		return
	}
	go fn()
}

type caller struct {
	id       string
	operator bool
}

func callerFrom(ctx context.Context) (caller, error) {
	id, ok := common.UserID(ctx)
	if !ok || id == "" {
		return caller{}, common.NewAppError("UNAUTHORIZED", "authentication required", http.StatusUnauthorized, nil)
	}
	return caller{id: id, operator: common.HasRole(ctx, auth.RoleOperator)}, nil
}

func (c caller) authorize(st State) error {
	if c.operator || st.AccountID == c.id {
		return nil
	}
	// Other accounts' sessions are reported as missing.
	return ErrNotFound
}

// Create opens a session for the caller.
func (s *Service) Create(ctx context.Context, side pricing.Side) (View, error) {
	who, err := callerFrom(ctx)
	if err != nil {
		return View{}, err
	}
	if side == "" {
		side = pricing.Buy
	}
	if !side.Valid() {
		return View{}, toAppError(fmt.Errorf("%w: side %q", ErrInvalidEvent, side))
	}

	st := NewState(s.newID(), who.id, side, s.now())
	if side == pricing.Buy {
		// A missing balance only disables funds; the customer can still pay by card.
		if funds, err := s.balance(ctx, who.id); err != nil {
			s.logger(ctx).Warn().Err(err).Str("account_id", who.id).Msg("funds_balance_unavailable")
		} else {
			st.Funds = funds
		}
	}
	if err := s.Store.Save(ctx, st); err != nil {
		return View{}, err
	}
	s.logger(ctx).Info().Str("session_id", st.ID).Str("side", string(side)).Msg("checkout_session_created")
	return s.project(ctx, st)
}

// Get returns the current view of a session priced against the latest quotes.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	who, err := callerFrom(ctx)
	if err != nil {
		return View{}, err
	}
	st, err := s.Store.Load(ctx, id)
	if err != nil {
		return View{}, toAppError(err)
	}
	if err := who.authorize(st); err != nil {
		return View{}, toAppError(err)
	}
	if s.taxStalled(st) {
		prev, next, err := s.update(ctx, id, s.LockTTL, func(st State) (State, error) {
			return s.requeueTax(st)
		})
		if err != nil {
			s.logger(ctx).Warn().Err(err).Str("session_id", id).Msg("tax_requeue_failed")
		} else {
			s.dispatchTax(ctx, prev, next)
			st = next
		}
	}
	return s.project(ctx, st)
}

// Apply feeds a client event into a session.
func (s *Service) Apply(ctx context.Context, id string, ev Event) (View, error) {
	who, err := callerFrom(ctx)
	if err != nil {
		return View{}, err
	}
	ev.Actor = who.id
	ev.Operator = who.operator
	ev.At = s.now()

	ctx, span := tracer.Start(ctx, "checkout.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", id), attribute.String("checkout.event", string(ev.Type)))

	events := []Event{ev}
	if ev.Type == EventFundsToggled && ev.UseFunds != nil && *ev.UseFunds {
		refresh, err := s.refreshBalance(ctx, id, who)
		if err != nil {
			return View{}, toAppError(err)
		}
		if refresh.Type != "" {
			events = append([]Event{refresh}, events...)
		}
	}

	prev, next, err := s.update(ctx, id, s.LockTTL, func(st State) (State, error) {
		if err := who.authorize(st); err != nil {
			return st, err
		}
		for _, e := range events {
			var rerr error
			if st, rerr = Reduce(st, e); rerr != nil {
				return st, rerr
			}
		}
		return s.requeueTax(st)
	})
	if err != nil {
		s.logger(ctx).Debug().Err(err).Str("session_id", id).Str("event", string(ev.Type)).Msg("checkout_event_rejected")
		return View{}, toAppError(err)
	}
	s.dispatchTax(ctx, prev, next)
	return s.project(ctx, next)
}

// Override toggles the operator FUNDS override. Only operators may call it.
func (s *Service) Override(ctx context.Context, id string, enabled bool) (View, error) {
	who, err := callerFrom(ctx)
	if err != nil {
		return View{}, err
	}
	if !who.operator {
		return View{}, toAppError(ErrForbiddenOverride)
	}
	view, err := s.Apply(ctx, id, Event{Type: EventOverrideRequested, Override: &enabled})
	if err != nil {
		return View{}, err
	}
	if view.OverrideRejected != "" {
		if obs.PaymentOverrideRejected != nil {
			obs.PaymentOverrideRejected.Inc()
		}
		s.logger(ctx).Warn().
			Str("session_id", id).
			Str("operator", who.id).
			Int64("funds", view.Session.Funds).
			Int64("base_total", view.Totals.BaseTotal).
			Msg("payment_override_rejected")
	}
	return view, nil
}

// Submit places the order once every gate passes. It is one-shot: a
// submitted session rejects further submits.
func (s *Service) Submit(ctx context.Context, id, instrumentRef string) (View, order.Receipt, error) {
	who, err := callerFrom(ctx)
	if err != nil {
		return View{}, order.Receipt{}, err
	}
	ctx, span := tracer.Start(ctx, "checkout.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", id))

	refresh, err := s.refreshBalance(ctx, id, who)
	if err != nil {
		return View{}, order.Receipt{}, toAppError(err)
	}

	var receipt order.Receipt
	var view View
	ttl := s.SubmitLockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	_, _, err = s.update(ctx, id, ttl, func(st State) (State, error) {
		if err := who.authorize(st); err != nil {
			return st, err
		}
		if st.Submitted {
			return st, &blockedError{blockers: []string{BlockAlreadySubmitted}}
		}
		if refresh.Type != "" {
			var rerr error
			if st, rerr = Reduce(st, refresh); rerr != nil {
				return st, rerr
			}
		}
		v, perr := Project(ctx, s.Pricing, st, s.Policy)
		if perr != nil {
			return st, perr
		}
		blocked := slices.Clone(v.Blockers)
		if instrumentRef == "" && v.Totals.Method.RequiresInstrument() && st.Side == pricing.Buy {
			blocked = append(blocked, BlockInstrumentMissing)
		}
		if len(blocked) > 0 {
			return st, &blockedError{blockers: blocked}
		}

		sub := order.NewSubmission(st.ID, st.AccountID, s.Currency, instrumentRef, v.Totals, s.now())
		r, serr := s.Orders.Submit(ctx, sub)
		if serr != nil {
			return st, serr
		}
		next, rerr := Reduce(st, Event{Type: EventSubmitted, Reference: r.Reference, At: sub.SubmittedAt, Actor: who.id})
		if rerr != nil {
			return st, rerr
		}
		receipt = r
		v.Session = next
		v.Blockers = []string{BlockAlreadySubmitted}
		v.CanSubmit = false
		view = v
		return next, nil
	})
	if err != nil {
		s.recordSubmission(err)
		s.logger(ctx).Warn().Err(err).Str("session_id", id).Msg("order_submit_rejected")
		return View{}, order.Receipt{}, toAppError(err)
	}
	s.recordSubmission(nil)
	s.logger(ctx).Info().
		Str("session_id", id).
		Str("reference", receipt.Reference).
		Str("method", string(view.Totals.Method)).
		Int64("post_charges", view.Totals.PostChargesAmount).
		Msg("order_submitted")
	return view, receipt, nil
}

func (s *Service) recordSubmission(err error) {
	if obs.OrderSubmissions == nil {
		return
	}
	result := "accepted"
	var blocked *blockedError
	switch {
	case err == nil:
	case errors.As(err, &blocked):
		result = "blocked"
	case errors.Is(err, order.ErrRejected):
		result = "rejected"
	default:
		result = "error"
	}
	obs.OrderSubmissions.WithLabelValues(result).Inc()
}

// refreshBalance reads the current balance for buy sessions. The returned
// event is empty when no refresh applies.
func (s *Service) refreshBalance(ctx context.Context, id string, who caller) (Event, error) {
	st, err := s.Store.Load(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if err := who.authorize(st); err != nil {
		return Event{}, err
	}
	if st.Side != pricing.Buy || st.Submitted {
		return Event{}, nil
	}
	funds, err := s.balance(ctx, st.AccountID)
	if err != nil {
		return Event{}, common.NewAppError("FUNDS_UNAVAILABLE", "stored funds balance unavailable", http.StatusServiceUnavailable, err)
	}
	return Event{Type: EventBalanceRefreshed, Funds: &funds, At: s.now()}, nil
}

func (s *Service) balance(ctx context.Context, accountID string) (pricing.Money, error) {
	if s.Funds == nil {
		return 0, nil
	}
	return s.Funds.Balance(ctx, accountID)
}

// update runs fn against the stored state under the session lock and saves
// the result. It returns the state before and after fn.
func (s *Service) update(ctx context.Context, id string, ttl time.Duration, fn func(State) (State, error)) (State, State, error) {
	var prev, next State
	err := s.Locker.WithLock(ctx, s.Store.LockKey(id), ttl, func(ctx context.Context) error {
		st, err := s.Store.Load(ctx, id)
		if err != nil {
			return err
		}
		st, err = s.withQuotes(st)
		if err != nil {
			return err
		}
		out, err := fn(st)
		if err != nil {
			return err
		}
		if out.Version == st.Version {
			prev, next = st, out
			return nil
		}
		if err := s.Store.Save(ctx, out); err != nil {
			return err
		}
		prev, next = st, out
		return nil
	})
	return prev, next, err
}

func (s *Service) withQuotes(st State) (State, error) {
	var latest pricing.Quotes
	if s.Quotes != nil {
		latest = s.Quotes.Latest()
	}
	return Reduce(st, Event{Type: EventQuoteTick, Quotes: latest.List()})
}

func (s *Service) project(ctx context.Context, st State) (View, error) {
	st, err := s.withQuotes(st)
	if err != nil {
		return View{}, err
	}
	view, err := Project(ctx, s.Pricing, st, s.Policy)
	if err != nil {
		return View{}, toAppError(err)
	}
	return view, nil
}

func (s *Service) taxTimeout() time.Duration {
	if s.TaxTimeout > 0 {
		return s.TaxTimeout
	}
	return 3 * time.Second
}

// taxStalled reports whether the pending lookup has been outstanding for
// longer than a lookup can take, which means its result was lost.
func (s *Service) taxStalled(st State) bool {
	if st.Submitted || st.Tax.Status != TaxPending {
		return false
	}
	after := s.TaxRetryAfter
	if after <= 0 {
		after = 2 * s.taxTimeout()
	}
	return s.now().Sub(st.Tax.RequestedAt) >= after
}

// requeueTax stamps a new dispatch time on a stalled lookup. Other states
// are returned unchanged.
func (s *Service) requeueTax(st State) (State, error) {
	if !s.taxStalled(st) {
		return st, nil
	}
	return Reduce(st, Event{Type: EventTaxRequested, Tax: &TaxResult{Fingerprint: st.Tax.Fingerprint}, At: s.now()})
}

// dispatchTax starts a lookup when the inputs changed to a new fingerprint
// or a stalled lookup was requeued.
func (s *Service) dispatchTax(ctx context.Context, prev, next State) {
	if next.Tax.Status != TaxPending {
		return
	}
	// A lookup for these inputs is already in flight.
	if prev.Tax.Status == TaxPending && prev.Tax.Fingerprint == next.Tax.Fingerprint &&
		prev.Tax.RequestedAt.Equal(next.Tax.RequestedAt) {
		return
	}
	req := next.TaxRequest()
	fingerprint := next.Tax.Fingerprint
	id := next.ID
	bg := context.WithoutCancel(ctx)
	s.spawn(func() { s.resolveTax(bg, id, fingerprint, req) })
}

func (s *Service) resolveTax(ctx context.Context, id, fingerprint string, req tax.Request) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.taxTimeout())
	defer cancel()

	result := &TaxResult{Fingerprint: fingerprint}
	var err error
	if s.Tax == nil {
		err = tax.ErrUnavailable
	} else {
		result.Amount, err = s.Tax.Calculate(lookupCtx, req)
	}
	outcome := "ok"
	if err != nil {
		outcome = "unavailable"
		result.Amount = 0
		result.Unavailable = true
		s.logger(ctx).Warn().Err(err).Str("session_id", id).Msg("tax_lookup_failed")
	}
	if obs.TaxLookupTotal != nil {
		obs.TaxLookupTotal.WithLabelValues(outcome).Inc()
	}

	err = s.saveTax(ctx, id, result)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleTax), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNotFound):
		if obs.TaxResponseDiscarded != nil {
			obs.TaxResponseDiscarded.Inc()
		}
		s.logger(ctx).Debug().Str("session_id", id).Str("fingerprint", fingerprint).Msg("tax_response_discarded")
	default:
		s.logger(ctx).Error().Err(err).Str("session_id", id).Msg("tax_result_not_saved")
	}
}

// saveTax applies a lookup result, retrying transient failures such as a
// busy session lock. Results that no longer apply are not retried.
func (s *Service) saveTax(ctx context.Context, id string, result *TaxResult) error {
	var err error
	for attempt := 1; attempt <= taxSaveAttempts; attempt++ {
		_, _, err = s.update(ctx, id, s.LockTTL, func(st State) (State, error) {
			return Reduce(st, Event{Type: EventTaxResolved, Tax: result, At: s.now()})
		})
		if err == nil || errors.Is(err, ErrStaleTax) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == taxSaveAttempts {
			break
		}
		s.logger(ctx).Debug().Err(err).Str("session_id", id).Int("attempt", attempt).Msg("tax_result_save_retry")
		timer := time.NewTimer(resilience.Backoff(taxSaveBackoff, attempt, 0.2))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.Logger
}

type blockedError struct {
	blockers []string
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("checkout: submission blocked: %v", e.blockers)
}

var blockerMessages = map[string]string{
	BlockEmptyCart:         "cart is empty",
	BlockAddressRequired:   "an address is required",
	BlockQuoteUnavailable:  "a spot quote is unavailable for an item",
	BlockMethodInfeasible:  "stored funds do not cover the order total",
	BlockTaxPending:        "sales tax is still being calculated",
	BlockTaxUnavailable:    "sales tax could not be calculated",
	BlockNegativeTotal:     "order total is negative",
	BlockAlreadySubmitted:  "order already submitted",
	BlockInstrumentMissing: "a payment instrument is required",
}

// toAppError maps domain errors to API errors.
func toAppError(err error) error {
	if err == nil || common.IsAppError(err) {
		return err
	}
	var blocked *blockedError
	switch {
	case errors.As(err, &blocked):
		code := blocked.blockers[0]
		status := http.StatusUnprocessableEntity
		if code == BlockAlreadySubmitted {
			status = http.StatusConflict
		}
		ae := common.NewAppError(code, blockerMessages[code], status, err)
		ae.Details = map[string]any{"blockers": blocked.blockers}
		return ae
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("SESSION_NOT_FOUND", "checkout session not found", http.StatusNotFound, err)
	case errors.Is(err, ErrForbiddenOverride):
		return common.NewAppError("FORBIDDEN", "operator role required", http.StatusForbidden, err)
	case errors.Is(err, ErrSessionClosed):
		return common.NewAppError("SESSION_SUBMITTED", "checkout session already submitted", http.StatusConflict, err)
	case errors.Is(err, lock.ErrNotAcquired):
		return common.NewAppError("SESSION_BUSY", "checkout session is being updated", http.StatusConflict, err)
	case errors.Is(err, pricing.ErrUnknownPaymentMethod):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err).
			WithDetails(map[string]any{"allowed": pricing.PayoutMethods})
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrUnknownEvent), errors.Is(err, pricing.ErrInvalidInput):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, order.ErrRejected):
		return common.NewAppError("ORDER_REJECTED", "order service rejected the order", http.StatusUnprocessableEntity, err)
	case errors.Is(err, order.ErrUnavailable):
		return common.NewAppError("ORDER_SERVICE_UNAVAILABLE", "order service unavailable", http.StatusServiceUnavailable, err)
	default:
		return err
	}
}
