package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/cache"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/tracing"
	"vigilnet/pkg/utils"
	"vigilnet/pkg/validation"

	"go.uber.org/zap"
)

// SessionIDParam is the query parameter binding a signed URL to its session.
const SessionIDParam = "sid"

const (
	entryShards = 32
	// revokedCacheSize bounds the ended-session ids kept for access checks.
	revokedCacheSize = 10000
	// systemActor names stops the control plane issues on its own.
	systemActor = "system"
)

var errNoChange = errors.New("no change")

type SessionRegistryConfig struct {
	DefaultTTL     time.Duration
	DefaultProfile string
	// Profiles caps the lifetime of sessions started with each profile.
	Profiles map[string]time.Duration
	// InstanceID tags published events so an instance can skip its own.
	InstanceID string
}

type desiredState int

const (
	desiredRunning desiredState = iota
	desiredStopped
)

// sessionEntry serializes operations on one session. desired is what the
// viewer last asked for; startInFlight is set while a start command is out.
type sessionEntry struct {
	mu            sync.Mutex
	desired       desiredState
	lastCommand   domain.CommandType
	startInFlight bool
}

type entryShard struct {
	mu      sync.Mutex
	entries map[domain.SessionID]*sessionEntry
}

// SessionRegistry drives sessions through Pending, Active and the terminal
// Expired and Error states. The persisted status is the source of truth;
// entries only order operations issued by this process.
type SessionRegistry struct {
	repo       ports.SessionRepository
	cameras    ports.CameraDirectory
	dispatcher ports.CommandDispatcher
	issuer     ports.SignedURLIssuer
	auth       ports.AuthGate
	peers      ports.PeerStore
	events     ports.EventPublisher
	cfg        SessionRegistryConfig
	clock      clock.Clock
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger

	shards [entryShards]entryShard
	// revoked remembers ended sessions so repeated checks of a dead URL
	// skip the repository. Terminal states are final, so it never goes
	// stale.
	revoked *cache.Cache[domain.SessionID, struct{}]

	// peerSessions maps peers held by this process to their session.
	peerMu       sync.Mutex
	peerSessions map[domain.PeerID]domain.SessionID
}

var _ ports.SessionRegistry = (*SessionRegistry)(nil)

func NewSessionRegistry(
	repo ports.SessionRepository,
	cameras ports.CameraDirectory,
	dispatcher ports.CommandDispatcher,
	issuer ports.SignedURLIssuer,
	auth ports.AuthGate,
	cfg SessionRegistryConfig,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SessionRegistry {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetricsService()
	}
	r := &SessionRegistry{
		repo:       repo,
		cameras:    cameras,
		dispatcher: dispatcher,
		issuer:     issuer,
		auth:       auth,
		cfg:        cfg,
		clock:      clk,
		metrics:    metrics,
		logger:     logger,
		revoked:    cache.New[domain.SessionID, struct{}](longestLifetime(cfg), revokedCacheSize, clk),

		peerSessions: make(map[domain.PeerID]domain.SessionID),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[domain.SessionID]*sessionEntry)
	}
	return r
}

// WithPeerStore lets terminal sessions release their real-time peer.
func (r *SessionRegistry) WithPeerStore(peers ports.PeerStore) *SessionRegistry {
	r.peers = peers
	return r
}

// WithEventPublisher broadcasts session endings to other instances.
func (r *SessionRegistry) WithEventPublisher(events ports.EventPublisher) *SessionRegistry {
	r.events = events
	return r
}

func (r *SessionRegistry) shard(id domain.SessionID) *entryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%entryShards]
}

func (r *SessionRegistry) entry(id domain.SessionID) *sessionEntry {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &sessionEntry{}
		s.entries[id] = e
	}
	return e
}

// forget drops the entry of a terminal session. Callers hold e.mu.
func (r *SessionRegistry) forget(id domain.SessionID, e *sessionEntry) {
	if e.startInFlight {
		return
	}
	s := r.shard(id)
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// resolveProfile returns the profile name and the session lifetime for it.
func (r *SessionRegistry) resolveProfile(profile string) (string, time.Duration, error) {
	if profile == "" {
		profile = r.cfg.DefaultProfile
	}
	if err := validation.ValidateProfile(profile); err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrInvalidProfile, err)
	}
	limit, ok := r.cfg.Profiles[profile]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", domain.ErrInvalidProfile, profile)
	}
	ttl := r.cfg.DefaultTTL
	if limit < ttl {
		ttl = limit
	}
	return profile, ttl, nil
}

func (r *SessionRegistry) StartLive(ctx context.Context, principal domain.Principal, req ports.StartLiveRequest) (*ports.StartLiveResult, error) {
	if !r.auth.Authorize(principal, domain.ActionViewLive) {
		return nil, domain.ErrForbidden
	}
	if err := validation.ValidateIdentifier(string(req.CameraID), "camera_id"); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	profile, ttl, err := r.resolveProfile(req.Profile)
	if err != nil {
		return nil, err
	}
	if req.PeerID != "" && (r.peers == nil || !r.peers.Contains(req.PeerID)) {
		return nil, domain.ErrPeerNotFound
	}

	target, err := r.cameras.Resolve(ctx, req.CameraID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	session := &domain.LiveSession{
		ID:        domain.SessionID(utils.GenerateSessionID()),
		UserID:    principal.UserID,
		CameraID:  req.CameraID,
		NodeID:    target.NodeID,
		Profile:   profile,
		Status:    domain.SessionPending,
		PeerID:    req.PeerID,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	ctx, span := tracing.TraceSession(ctx, "start_live", string(session.ID))
	defer span.End()

	e := r.entry(session.ID)
	e.mu.Lock()
	e.desired = desiredRunning
	e.startInFlight = true
	e.lastCommand = domain.CommandStartLive
	if err := r.repo.Create(ctx, session); err != nil {
		e.startInFlight = false
		r.forget(session.ID, e)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	e.mu.Unlock()
	r.metrics.RecordSessionTransition(domain.SessionPending)
	if session.PeerID != "" {
		r.peerMu.Lock()
		r.peerSessions[session.PeerID] = session.ID
		r.peerMu.Unlock()
	}

	r.logger.Infow("starting live session",
		"session_id", session.ID,
		"user_id", principal.UserID,
		"camera_id", req.CameraID,
		"node_id", target.NodeID,
		"profile", profile,
		"expires_at", session.ExpiresAt,
	)

	streamURL, dispatchErr := r.dispatcher.StartLive(ctx, target.NodeID, domain.StartLiveCommand{
		SessionID: session.ID,
		CameraID:  req.CameraID,
		RTSPURL:   target.RTSPURL,
		Username:  target.Credentials.Username,
		Password:  target.Credentials.Password,
		Profile:   profile,
		RTPTarget: req.RTPTarget,
	})

	var signed domain.SignedURL
	if dispatchErr == nil && streamURL != "" {
		signed, dispatchErr = r.mint(streamURL, session.ID, session.ExpiresAt)
		if dispatchErr != nil {
			// The node is running a pipeline nobody can reach.
			r.stopBestEffort(ctx, target.NodeID, session.ID)
		}
	}

	return r.completeStart(ctx, session, e, streamURL, signed, dispatchErr)
}

// completeStart applies the outcome of a start command under the session
// lock. A stop that arrived meanwhile wins: the session stays terminal and
// exactly one stop command is sent.
func (r *SessionRegistry) completeStart(
	ctx context.Context,
	session *domain.LiveSession,
	e *sessionEntry,
	streamURL string,
	signed domain.SignedURL,
	dispatchErr error,
) (*ports.StartLiveResult, error) {
	e.mu.Lock()
	e.startInFlight = false
	peerLost := dispatchErr == nil && session.PeerID != "" && r.peers != nil && !r.peers.Contains(session.PeerID)
	if peerLost && e.desired != desiredStopped {
		// The peer failed before its session could be found by peer id.
		e.desired = desiredStopped
		if _, err := r.transition(ctx, session.ID, domain.SessionExpired, nil); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			r.logger.Errorw("failed to stop session of lost peer", "session_id", session.ID, "error", err)
		}
	}

	var final *domain.LiveSession
	var err error
	if dispatchErr != nil {
		final, err = r.transition(ctx, session.ID, domain.SessionError, func(s *domain.LiveSession) {
			s.Reason = reasonFor(dispatchErr)
		})
	} else if e.desired == desiredStopped {
		err = errNoChange
	} else {
		final, err = r.transition(ctx, session.ID, domain.SessionActive, func(s *domain.LiveSession) {
			s.StreamURL = streamURL
		})
	}

	cancelled := dispatchErr == nil && (e.desired == desiredStopped || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, errNoChange))
	if cancelled {
		e.desired = desiredStopped
		e.lastCommand = domain.CommandStopLive
	}
	terminal := dispatchErr != nil || cancelled
	if terminal {
		r.forget(session.ID, e)
	}
	e.mu.Unlock()

	if dispatchErr != nil {
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			r.logger.Errorw("failed to record session error", "session_id", session.ID, "error", err)
		}
		r.releaseResources(ctx, session)
		r.logger.Warnw("live session failed to start",
			"session_id", session.ID,
			"node_id", session.NodeID,
			"error", dispatchErr,
		)
		return nil, dispatchErr
	}

	if cancelled {
		r.logger.Infow("live session stopped while starting", "session_id", session.ID, "node_id", session.NodeID)
		r.stopBestEffort(ctx, session.NodeID, session.ID)
		r.releaseResources(ctx, session)
		return nil, domain.ErrSessionCancelled
	}
	if err != nil {
		if _, markErr := r.transition(ctx, session.ID, domain.SessionError, nil); markErr != nil {
			r.logger.Errorw("failed to record session error", "session_id", session.ID, "error", markErr)
		}
		r.stopBestEffort(ctx, session.NodeID, session.ID)
		r.releaseResources(ctx, session)
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	r.logger.Infow("live session active",
		"session_id", final.ID,
		"node_id", final.NodeID,
		"expires_at", final.ExpiresAt,
	)

	link := signed.URL
	if link == "" {
		link = streamURL
	}
	return &ports.StartLiveResult{
		SessionID: final.ID,
		StreamURL: link,
		ExpiresAt: final.ExpiresAt,
	}, nil
}

// mint signs the node's stream URL with the session id embedded so access
// checks can tie the URL back to its session.
func (r *SessionRegistry) mint(streamURL string, id domain.SessionID, expiresAt time.Time) (domain.SignedURL, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return domain.SignedURL{}, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set(SessionIDParam, string(id))
	u.RawQuery = q.Encode()
	return r.issuer.Issue(u.String(), expiresAt)
}

// StopLive ends a session. Stopping a terminal session is a no-op.
func (r *SessionRegistry) StopLive(ctx context.Context, sessionID domain.SessionID, principal domain.Principal) error {
	session, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !r.canControl(principal, session, domain.ActionStopAnySession) {
		return domain.ErrForbidden
	}
	return r.stop(ctx, sessionID, string(principal.UserID))
}

// EndPeerSession stops the session fed by a peer whose connection failed.
// It reports false when no live session owns the peer.
func (r *SessionRegistry) EndPeerSession(ctx context.Context, peerID domain.PeerID) (bool, error) {
	r.peerMu.Lock()
	sessionID, ok := r.peerSessions[peerID]
	r.peerMu.Unlock()
	if !ok {
		return false, nil
	}
	if err := r.stop(ctx, sessionID, systemActor); err != nil {
		return true, err
	}
	return true, nil
}

func (r *SessionRegistry) stop(ctx context.Context, sessionID domain.SessionID, actor string) error {
	ctx, span := tracing.TraceSession(ctx, "stop_live", string(sessionID))
	defer span.End()

	e := r.entry(sessionID)
	e.mu.Lock()
	e.desired = desiredStopped
	final, err := r.transition(ctx, sessionID, domain.SessionExpired, nil)
	if err != nil {
		r.forget(sessionID, e)
		e.mu.Unlock()
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to stop session: %w", err)
	}
	// The in-flight start sends the stop when it resolves.
	dispatchNow := !e.startInFlight
	if dispatchNow {
		e.lastCommand = domain.CommandStopLive
	}
	r.forget(sessionID, e)
	e.mu.Unlock()

	r.logger.Infow("live session stopped",
		"session_id", sessionID,
		"stopped_by", actor,
		"start_in_flight", !dispatchNow,
	)

	if dispatchNow {
		r.stopBestEffort(ctx, final.NodeID, sessionID)
		r.releaseResources(ctx, final)
	}
	return nil
}

func (r *SessionRegistry) Get(ctx context.Context, sessionID domain.SessionID, principal domain.Principal) (*domain.LiveSession, error) {
	session, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !r.canControl(principal, session, domain.ActionViewAnySession) {
		return nil, domain.ErrForbidden
	}
	return session, nil
}

// canControl lets privileged roles act on any session and viewers on their
// own.
func (r *SessionRegistry) canControl(principal domain.Principal, session *domain.LiveSession, anyAction domain.Action) bool {
	if r.auth.Authorize(principal, anyAction) {
		return true
	}
	return session.UserID == principal.UserID && r.auth.Authorize(principal, domain.ActionViewLive)
}

// SweepExpired moves active sessions past their deadline to Expired and
// sends one stop for each.
func (r *SessionRegistry) SweepExpired(ctx context.Context) (int, error) {
	active, err := r.repo.ListByStatus(ctx, domain.SessionActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	expired := 0
	for _, candidate := range active {
		if ctx.Err() != nil {
			break
		}
		if !candidate.IsExpired(r.clock.Now()) {
			continue
		}

		e := r.entry(candidate.ID)
		e.mu.Lock()
		final, err := r.transitionIf(ctx, candidate.ID, domain.SessionExpired, func(s *domain.LiveSession) bool {
			return s.IsExpired(r.clock.Now())
		}, nil)
		if err == nil {
			e.desired = desiredStopped
			e.lastCommand = domain.CommandStopLive
		}
		r.forget(candidate.ID, e)
		e.mu.Unlock()

		if err != nil {
			if !errors.Is(err, errNoChange) && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrSessionNotFound) {
				r.logger.Errorw("expiry sweep update failed", "session_id", candidate.ID, "error", err)
			}
			continue
		}

		expired++
		r.logger.Infow("live session expired",
			"session_id", final.ID,
			"node_id", final.NodeID,
			"expires_at", final.ExpiresAt,
		)
		r.stopBestEffort(ctx, final.NodeID, final.ID)
		r.releaseResources(ctx, final)
	}

	r.metrics.SetActiveSessions(len(active) - expired)
	return expired, nil
}

// FailNodeSessions marks every live session bound to a removed node as
// failed and asks the node to stop them.
func (r *SessionRegistry) FailNodeSessions(ctx context.Context, node *domain.Node) (int, error) {
	sessions, err := r.repo.ListByNode(ctx, node.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list node sessions: %w", err)
	}

	failed := 0
	for _, candidate := range sessions {
		if candidate.Status.IsTerminal() {
			continue
		}

		e := r.entry(candidate.ID)
		e.mu.Lock()
		e.desired = desiredStopped
		final, err := r.transition(ctx, candidate.ID, domain.SessionError, func(s *domain.LiveSession) {
			s.Reason = "node removed"
		})
		dispatchNow := err == nil && !e.startInFlight
		if dispatchNow {
			e.lastCommand = domain.CommandStopLive
		}
		r.forget(candidate.ID, e)
		e.mu.Unlock()

		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				r.logger.Errorw("failed to fail session of removed node", "session_id", candidate.ID, "error", err)
			}
			continue
		}

		failed++
		if dispatchNow {
			if err := r.dispatcher.StopLiveOn(ctx, node, final.ID); err != nil {
				r.logger.Warnw("best-effort stop on removed node failed",
					"session_id", final.ID,
					"node_id", node.ID,
					"error", err,
				)
			}
			r.releaseResources(ctx, final)
		}
	}

	if failed > 0 {
		r.logger.Warnw("sessions failed after node removal", "node_id", node.ID, "count", failed)
	}
	return failed, nil
}

// VerifyAccess checks the signature and then that the bound session is
// still active, so a stopped session's URL stops working immediately.
func (r *SessionRegistry) VerifyAccess(ctx context.Context, signedURL string) (domain.VerifyResult, error) {
	result := r.issuer.Verify(signedURL)
	if result == domain.VerifyOK {
		result = r.checkSession(ctx, signedURL)
	}
	r.metrics.RecordSignedURLVerification(result)
	return result, nil
}

func (r *SessionRegistry) checkSession(ctx context.Context, signedURL string) domain.VerifyResult {
	u, err := url.Parse(signedURL)
	if err != nil {
		return domain.VerifyInvalidSignature
	}
	sid := u.Query().Get(SessionIDParam)
	if sid == "" {
		// Signed by this issuer but not bound to a session.
		return domain.VerifyOK
	}
	id := domain.SessionID(sid)
	if _, ended := r.revoked.Get(id); ended {
		return domain.VerifyRevoked
	}
	session, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return domain.VerifyRevoked
	}
	if session.Status.IsTerminal() {
		r.revoked.Set(id, struct{}{})
	}
	if session.Status != domain.SessionActive {
		return domain.VerifyRevoked
	}
	return domain.VerifyOK
}

// longestLifetime is how long any signed URL can stay unexpired.
func longestLifetime(cfg SessionRegistryConfig) time.Duration {
	longest := cfg.DefaultTTL
	for _, ttl := range cfg.Profiles {
		if ttl > longest {
			longest = ttl
		}
	}
	if longest <= 0 {
		longest = time.Hour
	}
	return longest
}

func (r *SessionRegistry) transition(ctx context.Context, id domain.SessionID, to domain.SessionStatus, mutate func(*domain.LiveSession)) (*domain.LiveSession, error) {
	return r.transitionIf(ctx, id, to, nil, mutate)
}

// transitionIf atomically moves a session to `to` when cond holds on the
// stored record.
func (r *SessionRegistry) transitionIf(
	ctx context.Context,
	id domain.SessionID,
	to domain.SessionStatus,
	cond func(*domain.LiveSession) bool,
	mutate func(*domain.LiveSession),
) (*domain.LiveSession, error) {
	updated, err := r.repo.Update(ctx, id, func(s *domain.LiveSession) error {
		if cond != nil && !cond(s) {
			return errNoChange
		}
		if err := s.TransitionTo(to, r.clock.Now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSessionTransition(to)
	return updated, nil
}

func (r *SessionRegistry) stopBestEffort(ctx context.Context, nodeID domain.NodeID, id domain.SessionID) {
	// Cleanup must finish even if the request that triggered it is gone.
	ctx = context.WithoutCancel(ctx)
	if err := r.dispatcher.StopLive(ctx, nodeID, id); err != nil {
		r.logger.Warnw("best-effort stop failed",
			"session_id", id,
			"node_id", nodeID,
			"error", err,
		)
	}
}

// releaseResources tears down the local peer of a terminal session and
// tells other instances to do the same.
func (r *SessionRegistry) releaseResources(ctx context.Context, session *domain.LiveSession) {
	r.revoked.Set(session.ID, struct{}{})
	if session.PeerID != "" {
		r.peerMu.Lock()
		if r.peerSessions[session.PeerID] == session.ID {
			delete(r.peerSessions, session.PeerID)
		}
		r.peerMu.Unlock()
	}
	if session.PeerID != "" && r.peers != nil {
		if _, removed := r.peers.Remove(session.PeerID); removed {
			r.logger.Debugw("peer released", "session_id", session.ID, "peer_id", session.PeerID)
		}
		r.metrics.SetActivePeers(r.peers.Count())
	}
	if r.events == nil {
		return
	}
	event := domain.SessionEvent{
		Type:      domain.SessionEventEnded,
		SessionID: session.ID,
		PeerID:    session.PeerID,
		Origin:    r.cfg.InstanceID,
		Timestamp: r.clock.Now(),
	}
	if err := r.events.PublishSessionEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warnw("failed to publish session event", "session_id", session.ID, "error", err)
	}
}

// reasonFor returns a log-safe summary of a start failure.
func reasonFor(err error) string {
	var cmdErr *domain.NodeCommandError
	switch {
	case errors.As(err, &cmdErr):
		return cmdErr.Reason
	case errors.Is(err, domain.ErrNodeOffline):
		return "node offline"
	case errors.Is(err, domain.ErrNodeNotFound):
		return "node not found"
	default:
		return "start failed"
	}
}
