package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/ledger"
	"kasirinaja/engine/internal/lock"
	"kasirinaja/engine/internal/observability"
	"kasirinaja/engine/internal/retry"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type Service struct {
	repo        store.Repository
	catalog     store.Catalog
	ledger      *ledger.Ledger
	locker      lock.Locker
	publisher   events.Publisher
	metrics     *observability.Metrics
	logger      *slog.Logger
	policy      retry.Policy
	taxRate     decimal.Decimal
	surcharges  domain.SurchargeTable
	concurrency int
	now         func() time.Time
}

type Option func(*Service)

// WithCatalog replaces the repository as the product lookup, typically with
// a cached catalog.
func WithCatalog(catalog store.Catalog) Option {
	return func(s *Service) { s.catalog = catalog }
}

func WithLocker(locker lock.Locker) Option {
	return func(s *Service) { s.locker = locker }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(s *Service) { s.policy = policy }
}

func WithTaxRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.taxRate = rate }
}

func WithSurcharges(table domain.SurchargeTable) Option {
	return func(s *Service) { s.surcharges = table }
}

func WithReconcileConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(repo store.Repository, ldg *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		catalog:     repo,
		ledger:      ldg,
		locker:      lock.NewKeyedMutex(),
		publisher:   events.NoopPublisher{},
		logger:      slog.Default(),
		policy:      retry.DefaultPolicy(),
		surcharges:  domain.SurchargeTable{},
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.OnRetry = func(op string, err error) {
		s.metrics.Retry(op)
		s.logger.Warn("retrying storage operation", slog.String("operation", op), slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	day := s.now().Truncate(24 * time.Hour)
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, apperr.Validation("date must be YYYY-MM-DD")
		}
		day = parsed
	}
	if limit < 1 || limit > 500 {
		limit = 200
	}
	logs, err := retry.Do(ctx, s.policy, "list_audit_logs", func(ctx context.Context) ([]domain.AuditLog, error) {
		return s.repo.ListAuditLogs(ctx, day, day.Add(24*time.Hour), limit)
	})
	if err != nil {
		return nil, apperr.Storage("list audit logs", err)
	}
	return logs, nil
}

// applyEffect replays every line of a stock effect through the ledger and
// marks it applied. Adjustments are keyed per effect line, so a partially
// applied effect can be replayed safely.
func (s *Service) applyEffect(ctx context.Context, effect domain.StockEffect) error {
	for _, line := range effect.Lines {
		_, err := s.ledger.Adjust(ctx, ledger.AdjustInput{
			ProductKey:     line.ProductKey,
			Delta:          line.Delta,
			Reason:         effect.Reason,
			Actor:          effect.Actor,
			Reference:      effect.SourceID,
			IdempotencyKey: effect.AdjustmentKey(line.ProductKey),
		})
		if err != nil {
			return err
		}
	}
	_, err := retry.Do(ctx, s.policy, "mark_effect_applied", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.MarkEffectApplied(ctx, effect.ID, s.now())
	})
	if err != nil {
		return apperr.Storage("mark stock effect applied", err)
	}
	return nil
}

// settleEffect applies a freshly written effect. Failure leaves the effect
// pending for the reconciler; the caller's document is already durable.
func (s *Service) settleEffect(ctx context.Context, effect domain.StockEffect) domain.EffectStatus {
	if err := s.applyEffect(ctx, effect); err != nil {
		s.metrics.EffectUnapplied(string(effect.Source))
		s.logger.Warn("stock effect left pending",
			slog.String("effect_id", effect.ID),
			slog.String("source", string(effect.Source)),
			slog.String("source_id", effect.SourceID),
			slog.String("error", err.Error()),
		)
		return domain.EffectPending
	}
	return domain.EffectApplied
}

func (s *Service) newEffect(source domain.EffectSource, sourceID string, reason domain.AdjustmentReason, actor string, deltas map[string]int) domain.StockEffect {
	lines := make([]domain.EffectLine, 0, len(deltas))
	for key, delta := range deltas {
		if delta != 0 {
			lines = append(lines, domain.EffectLine{ProductKey: key, Delta: delta})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductKey < lines[j].ProductKey
	})
	return domain.StockEffect{
		ID:        xid.New("eff"),
		Source:    source,
		SourceID:  sourceID,
		Reason:    reason,
		Actor:     actor,
		Lines:     lines,
		Status:    domain.EffectPending,
		CreatedAt: s.now(),
	}
}

func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return apperr.Storage("acquire lock "+key, err)
	}
	defer release()
	return fn()
}

func (s *Service) publish(ctx context.Context, eventType string, aggregateID string, payload any) {
	event, err := events.New(eventType, aggregateID, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("event_type", eventType),
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.String("error", err.Error()),
		)
	}
}

// operatorFor prefers the authenticated actor. An explicit operator id only
// names in-process callers that run without one.
func operatorFor(ctx context.Context, explicit string) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	return "system"
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return apperr.Forbidden("admin role required")
	}
	return nil
}

func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Validation("%s", err.Error())
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' %s", fe.Namespace(), msgForTag(fe)))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "ne":
		return fmt.Sprintf("must not be %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

func notFoundOr(err error, resource string, id string, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Storage(op, err)
}
