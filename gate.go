package sockauth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	internalaudit "github.com/MrEthical07/sockauth/internal/audit"
	"github.com/MrEthical07/sockauth/internal/rate"
	"github.com/MrEthical07/sockauth/jwt"
	"github.com/MrEthical07/sockauth/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubjectValidator confirms that a verified subject may connect, typically by
// looking it up in the user directory. ok false with a nil error means the
// subject is unknown or disabled; a non-nil error is a lookup failure.
type SubjectValidator interface {
	ValidateSubject(ctx context.Context, subjectID string) (ok bool, err error)
}

// SubjectValidatorFunc adapts a function to SubjectValidator.
type SubjectValidatorFunc func(ctx context.Context, subjectID string) (bool, error)

func (f SubjectValidatorFunc) ValidateSubject(ctx context.Context, subjectID string) (bool, error) {
	return f(ctx, subjectID)
}

// Gate is the single admission decision point.
type Gate struct {
	config    Config
	verifier  *jwt.Verifier
	logger    *zap.Logger
	metrics   *Metrics
	audit     *internalaudit.Dispatcher
	limiter   *rate.Limiter
	presence  *session.Store
	validator SubjectValidator
	now       func() time.Time
	closed    atomic.Bool
}

// Close flushes the audit dispatcher. Admit fails with ErrGateNotReady after
// Close.
func (g *Gate) Close() {
	if g == nil {
		return
	}
	if g.closed.Swap(true) {
		return
	}
	if g.audit != nil {
		g.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped under backpressure.
func (g *Gate) AuditDropped() uint64 {
	if g == nil || g.audit == nil {
		return 0
	}
	return g.audit.Dropped()
}

// MetricsSnapshot returns the current gate counters.
func (g *Gate) MetricsSnapshot() MetricsSnapshot {
	if g == nil || g.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return g.metrics.Snapshot()
}

// AuthField returns the configured credential query parameter.
func (g *Gate) AuthField() string {
	return g.config.Admission.AuthField
}

// Logger returns the gate's logger, for transports that want the same sink.
func (g *Gate) Logger() *zap.Logger {
	if g == nil || g.logger == nil {
		return zap.NewNop()
	}
	return g.logger
}

func (g *Gate) metricInc(id MetricID) {
	if g == nil || g.metrics == nil {
		return
	}
	g.metrics.Inc(id)
}

// Admit decides whether the connection described by hs may proceed under
// mode and binds a fresh session state accordingly.
//
// Verification failures never surface as errors; they become the returned
// Outcome. Admit returns an error only when the gate is unusable, the mode is
// invalid, or ctx ended before the decision was bound (ErrAdmissionAbandoned,
// in which case no state was mutated and the caller must not accept or
// refuse anything).
func (g *Gate) Admit(ctx context.Context, hs Handshake, mode Mode) (Outcome, error) {
	if g == nil || g.closed.Load() {
		return Outcome{}, ErrGateNotReady
	}
	if !mode.Valid() {
		return Outcome{}, ErrInvalidMode
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if hs.ConnID == "" {
		hs.ConnID = uuid.NewString()
	}
	if ctx.Err() != nil {
		return g.abandon(ctx, hs, mode)
	}

	start := time.Now()
	now := g.now()
	state := session.NewState(hs.ConnID, now)

	if g.limiter != nil {
		if err := g.checkRateLimit(ctx, hs); err != nil {
			if ctx.Err() != nil {
				return g.abandon(ctx, hs, mode)
			}
			state.MarkRejected()
			out := Reject(ReasonRateLimited, err)
			g.record(ctx, hs, mode, out, start)
			return out, nil
		}
	}

	claims, verr := g.verifier.Verify(hs.Credential(), now)
	if verr == nil && g.validator != nil {
		verr = g.lookupSubject(ctx, claims.SubjectID())
	}

	if ctx.Err() != nil {
		return g.abandon(ctx, hs, mode)
	}

	out := Bind(state, claims, verr, mode)
	g.record(ctx, hs, mode, out, start)
	return out, nil
}

func (g *Gate) checkRateLimit(ctx context.Context, hs Handshake) error {
	lctx, cancel := context.WithTimeout(ctx, g.config.RateLimit.Timeout)
	defer cancel()

	err := g.limiter.AllowHandshake(lctx, hs.RemoteAddr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		g.metricInc(MetricRateLimited)
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	default:
		g.logger.Warn("handshake limiter unavailable, admitting without limit",
			zap.String("conn_id", hs.ConnID),
			zap.Error(err),
		)
		return nil
	}
}

// AllowMessage counts one handler event from the connection bound to state
// and returns an *EventRateLimitError once its message budget is spent. The
// event is not dropped when the limiter is disabled or Redis fails.
func (g *Gate) AllowMessage(ctx context.Context, state *session.State, remoteAddr string) error {
	if g == nil {
		return nil
	}
	cfg := g.config.RateLimit
	return g.allowEvent(ctx, "message", "m:", cfg.MessageMax, cfg.MessageWindow, MetricMessageRateLimited, state, remoteAddr)
}

// AllowSubscription is AllowMessage for room joins and leaves.
func (g *Gate) AllowSubscription(ctx context.Context, state *session.State, remoteAddr string) error {
	if g == nil {
		return nil
	}
	cfg := g.config.RateLimit
	return g.allowEvent(ctx, "subscription", "s:", cfg.SubscriptionMax, cfg.SubscriptionWindow, MetricSubscriptionRateLimited, state, remoteAddr)
}

func (g *Gate) allowEvent(ctx context.Context, scope, prefix string, max int, window time.Duration, metric MetricID, state *session.State, remoteAddr string) error {
	if g.limiter == nil || max <= 0 {
		return nil
	}
	key := prefix + "a:" + rate.HostOf(remoteAddr)
	subject, ok := CurrentSubject(state)
	if ok {
		key = prefix + "u:" + subject
	}

	lctx, cancel := context.WithTimeout(ctx, g.config.RateLimit.Timeout)
	defer cancel()

	err := g.limiter.Allow(lctx, key, max, window)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		g.metricInc(metric)
		connID := ""
		if state != nil {
			connID = state.ConnID()
		}
		g.logger.Warn("event rate limited",
			zap.String("conn_id", connID),
			zap.String("scope", scope),
			zap.String("subject_id", subject),
		)
		return &EventRateLimitError{Scope: scope, RetryAfter: window}
	default:
		g.logger.Warn("event limiter unavailable, allowing event",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return nil
	}
}

type lookupResult struct {
	ok  bool
	err error
}

// lookupSubject runs the directory lookup off the admission goroutine so a
// validator that ignores its context still cannot hold the admission past
// LookupTimeout.
func (g *Gate) lookupSubject(ctx context.Context, subjectID string) error {
	lctx, cancel := context.WithTimeout(ctx, g.config.Admission.LookupTimeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		ok, err := g.validator.ValidateSubject(lctx, subjectID)
		done <- lookupResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err != nil:
			return jwt.NewVerificationError(jwt.KindUnexpected, res.err)
		case !res.ok:
			return jwt.NewVerificationError(jwt.KindSubjectRejected, ErrSubjectRejected)
		default:
			return nil
		}
	case <-lctx.Done():
		if ctx.Err() == nil {
			g.metricInc(MetricSubjectLookupTimeout)
		}
		return jwt.NewVerificationError(jwt.KindUnexpected, ErrSubjectLookupTimeout)
	}
}

func (g *Gate) abandon(ctx context.Context, hs Handshake, mode Mode) (Outcome, error) {
	g.metricInc(MetricAdmissionAbandoned)
	g.logger.Debug("admission abandoned",
		zap.String("conn_id", hs.ConnID),
		zap.String("mode", mode.String()),
		zap.String("remote_addr", hs.RemoteAddr),
		zap.Error(ctx.Err()),
	)
	return Outcome{}, fmt.Errorf("%w: %v", ErrAdmissionAbandoned, context.Cause(ctx))
}

// record writes the single log entry, audit event and metrics of one
// admission decision.
func (g *Gate) record(ctx context.Context, hs Handshake, mode Mode, out Outcome, start time.Time) {
	if g.metrics.LatencyEnabled() {
		g.metrics.Observe(MetricAdmitLatency, time.Since(start))
	}

	fields := []zap.Field{
		zap.String("conn_id", hs.ConnID),
		zap.String("mode", mode.String()),
		zap.String("outcome", out.String()),
		zap.String("remote_addr", hs.RemoteAddr),
	}

	event := AuditEvent{
		ConnID:     hs.ConnID,
		RemoteAddr: hs.RemoteAddr,
		Mode:       mode.String(),
	}

	cause := out.Cause()
	if cause != nil {
		kind := jwt.KindOf(cause)
		if errors.Is(cause, ErrRateLimited) || errors.Is(cause, ErrAlreadyBound) {
			kind = jwt.KindUnexpected
		} else {
			g.metricInc(verifyMetric(kind))
		}
		fields = append(fields, zap.String("kind", kind.String()), zap.Error(cause))
		event.Error = cause.Error()
		event.Metadata = map[string]string{"kind": kind.String()}
	}

	switch {
	case out.Rejected():
		g.metricInc(MetricAdmissionRejected)
		fields = append(fields, zap.String("reason", string(out.Reason())))
		event.EventType = AuditAdmissionRejected
		event.Reason = string(out.Reason())
		g.logger.Warn("connection rejected", fields...)
	case out.State().IsAnonymous():
		g.metricInc(MetricAdmissionAnonymous)
		event.EventType = AuditAdmissionAnonymous
		event.Success = true
		if cause != nil {
			g.metricInc(MetricOptionalDegraded)
			g.logger.Warn("credential rejected, connection admitted anonymously", fields...)
		} else {
			g.logger.Info("connection admitted anonymously", fields...)
		}
	default:
		g.metricInc(MetricAdmissionAccepted)
		subject, _ := out.State().SubjectID()
		fields = append(fields, zap.String("subject_id", subject))
		event.EventType = AuditAdmissionAccepted
		event.SubjectID = subject
		event.Success = true
		g.logger.Info("connection admitted", fields...)
	}

	g.audit.Emit(ctx, event)
}

// Authorize evaluates RequireRole against state for a single action. A denial
// is logged and audited but does not close the connection.
func (g *Gate) Authorize(ctx context.Context, state *session.State, role string) Outcome {
	out := RequireRole(state, role)
	if out.Proceeded() || g == nil {
		return out
	}
	g.recordDenial(ctx, state, out, "required_role", role)
	return out
}

// AuthorizeSubject is RequireSubject with the same denial logging and audit
// as Authorize.
func (g *Gate) AuthorizeSubject(ctx context.Context, state *session.State, ownerID string) Outcome {
	out := RequireSubject(state, ownerID)
	if out.Proceeded() || g == nil {
		return out
	}
	g.recordDenial(ctx, state, out, "owner_id", ownerID)
	return out
}

func (g *Gate) recordDenial(ctx context.Context, state *session.State, out Outcome, key, value string) {
	connID := ConnIDFromContext(ctx)
	if state != nil {
		connID = state.ConnID()
	}
	subject, _ := CurrentSubject(state)

	g.metricInc(MetricAuthorizationDenied)
	g.logger.Warn("authorization denied",
		zap.String("conn_id", connID),
		zap.String("subject_id", subject),
		zap.String(key, value),
		zap.String("reason", string(out.Reason())),
		zap.Error(out.Cause()),
	)
	g.audit.Emit(ctx, AuditEvent{
		EventType: AuditAuthorizationDenied,
		ConnID:    connID,
		SubjectID: subject,
		Reason:    string(out.Reason()),
		Error:     out.Cause().Error(),
		Metadata:  map[string]string{key: value},
	})
}

// TrackPresence records an admitted connection in the presence registry.
// Failures are logged and counted; they never affect the connection.
func (g *Gate) TrackPresence(ctx context.Context, state *session.State, remoteAddr string) {
	if g == nil || g.presence == nil || state == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, g.config.Presence.Timeout)
	defer cancel()

	if err := g.presence.Track(pctx, session.PresenceFromState(state, remoteAddr, g.now().Unix())); err != nil {
		g.presenceFailed("track", state.ConnID(), err)
	}
}

// TouchPresence refreshes a tracked connection's last-seen time.
func (g *Gate) TouchPresence(ctx context.Context, connID string) {
	if g == nil || g.presence == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, g.config.Presence.Timeout)
	defer cancel()

	if err := g.presence.Touch(pctx, connID, g.now()); err != nil {
		g.presenceFailed("touch", connID, err)
	}
}

// UntrackPresence removes a closed connection from the registry.
func (g *Gate) UntrackPresence(ctx context.Context, state *session.State) {
	if g == nil || g.presence == nil || state == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, g.config.Presence.Timeout)
	defer cancel()

	subject, _ := state.SubjectID()
	if _, err := g.presence.Untrack(pctx, state.ConnID(), subject); err != nil {
		g.presenceFailed("untrack", state.ConnID(), err)
	}
}

// Presence exposes the registry for read-only queries, nil when disabled.
func (g *Gate) Presence() *session.Store {
	if g == nil {
		return nil
	}
	return g.presence
}

func (g *Gate) presenceFailed(op, connID string, err error) {
	g.metricInc(MetricPresenceError)
	g.logger.Warn("presence registry write failed",
		zap.String("op", op),
		zap.String("conn_id", connID),
		zap.Error(err),
	)
}
