package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/odyssey-erp/gatekeeper/internal/rbac"

// sharedLookupTimeout bounds a coalesced store read, which runs detached from
// any single caller's cancellation.
const sharedLookupTimeout = 10 * time.Second

// Service orchestrates RBAC operations. It holds no graph state; every call
// reads through to the Store.
type Service struct {
	store   Store
	revoker SessionRevoker
	flight  singleflight.Group
	tracer  trace.Tracer
}

// Option customises a Service.
type Option func(*Service)

// WithSessionRevoker schedules session invalidation when a user stops being active.
func WithSessionRevoker(r SessionRevoker) Option {
	return func(s *Service) { s.revoker = r }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewService constructs a Service backed by the provided store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EffectivePermissions returns the sorted, de-duplicated permission slugs the
// user holds through active chains.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	perms, err := s.EffectivePermissionRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(perms))
	slugs := make([]string, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p.Slug]; ok {
			continue
		}
		seen[p.Slug] = struct{}{}
		slugs = append(slugs, p.Slug)
	}
	sort.Strings(slugs)
	return slugs, nil
}

// EffectivePermissionRecords returns the full permission rows behind
// EffectivePermissions, one per permission id, ordered by slug.
func (s *Service) EffectivePermissionRecords(ctx context.Context, userID int64) ([]Permission, error) {
	ctx, span := s.tracer.Start(ctx, "rbac.EffectivePermissions", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	key := strconv.FormatInt(userID, 10)
	ch := s.flight.DoChan(key, func() (any, error) {
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return s.store.EffectivePermissions(detached, userID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		recordSpanError(span, res.Err)
		return nil, fmt.Errorf("effective permissions for user %d: %w", userID, res.Err)
	}
	rows := res.Val.([]Permission)
	perms := make([]Permission, 0, len(rows))
	seen := make(map[int64]struct{}, len(rows))
	for _, p := range rows {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Slug == perms[j].Slug {
			return perms[i].ID < perms[j].ID
		}
		return perms[i].Slug < perms[j].Slug
	})
	span.SetAttributes(attribute.Int("permissions.count", len(perms)))
	return perms, nil
}

// HasPermission reports whether slug is in the user's effective permission set.
func (s *Service) HasPermission(ctx context.Context, userID int64, slug string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "rbac.HasPermission", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("permission.slug", slug),
	))
	defer span.End()

	ok, err := s.store.HasPermission(ctx, userID, slug)
	if err != nil {
		recordSpanError(span, err)
		return false, fmt.Errorf("has permission %q for user %d: %w", slug, userID, err)
	}
	span.SetAttributes(attribute.Bool("permission.granted", ok))
	return ok, nil
}

// AuthorizePrincipal confirms the claimed identity matches the session and,
// when requiredSlug is set, that the session user holds it. Forbidden is
// returned on every error path.
func (s *Service) AuthorizePrincipal(ctx context.Context, claims *Claims, session Identity, requiredSlug string) (Decision, error) {
	ctx, span := s.tracer.Start(ctx, "rbac.AuthorizePrincipal", trace.WithAttributes(
		attribute.Int64("session.user.id", session.UserID),
		attribute.String("permission.slug", requiredSlug),
	))
	defer span.End()

	if claims == nil {
		span.SetAttributes(attribute.String("decision.reason", ReasonInvalidClaims))
		return forbidden(ReasonInvalidClaims), fmt.Errorf("%w: identity claims missing", ErrValidation)
	}
	if err := claimsValidator.Struct(claims); err != nil {
		span.SetAttributes(attribute.String("decision.reason", ReasonInvalidClaims))
		return forbidden(ReasonInvalidClaims), fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	if session.UserID <= 0 || claims.UserID != session.UserID || claims.Email != session.Email {
		span.SetAttributes(attribute.String("decision.reason", ReasonIdentityMismatch))
		return forbidden(ReasonIdentityMismatch), nil
	}
	if requiredSlug == "" {
		return authorized(), nil
	}
	ok, err := s.HasPermission(ctx, session.UserID, requiredSlug)
	if err != nil {
		recordSpanError(span, err)
		return forbidden(ReasonResolverError), err
	}
	if !ok {
		span.SetAttributes(attribute.String("decision.reason", ReasonMissingPermission))
		return forbidden(ReasonMissingPermission), nil
	}
	return authorized(), nil
}

func recordSpanError(span trace.Span, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		span.SetAttributes(attribute.String("error.kind", err.Error()))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
