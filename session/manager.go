package session

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/huddlechat/callcore"
	"github.com/huddlechat/callcore/config"
	"github.com/huddlechat/callcore/escalation"
	"github.com/huddlechat/callcore/media"
	"github.com/huddlechat/callcore/peer"
	"github.com/huddlechat/callcore/perf"
	"github.com/huddlechat/callcore/ringtone"
	"github.com/huddlechat/callcore/signaling"
)

// Signaling is how a Manager talks to the relay. *signaling.Client
// implements it.
type Signaling interface {
	peer.Signaler
	UserID() string
	Connected() bool
	StartCall(ctx context.Context, details signaling.CallDetails) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}

// AfterFunc calls f on its own goroutine after d. The returned function
// stops the timer.
type AfterFunc func(d time.Duration, f func()) (stop func())

func timeAfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type silentPlayer struct{}

func (silentPlayer) Play(ctx context.Context) error { return nil }
func (silentPlayer) Stop()                          {}

// Options configure a Manager.
type Options struct {
	Config    config.Config
	Signaling Signaling
	Media     media.Source
	// Ringtone defaults to silence.
	Ringtone ringtone.Player
	// PeerFactory defaults to pion.
	PeerFactory peer.Factory
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc AfterFunc
	Logger    golog.Logger
}

// A Manager owns the local side of at most one call. All of its state is
// owned by a single event loop; exported methods hand work to the loop and
// wait for it, and relay events and connection callbacks are queued to it.
type Manager struct {
	cfg        config.Config
	signaling  Signaling
	media      *media.Controller
	ringtone   *ringtone.Controller
	pool       *peer.Pool
	escalation *escalation.Controller
	afterFunc  AfterFunc
	logger     golog.Logger

	mailbox *mailbox
	workers *callcore.StoppableWorkers
	closed  atomic.Bool

	// owned by the event loop
	session   *CallSession
	incoming  *signaling.CallDetails
	pending   callcore.StringSet
	offered   callcore.StringSet
	acquiring bool
	stopRing  func()

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int
}

// NewManager starts a Manager. The owner routes relay events to it, usually
// with (*signaling.Client).Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.Signaling == nil {
		return nil, errors.New("signaling required")
	}
	if opts.Media == nil {
		return nil, errors.New("media source required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = callcore.Logger
	}
	player := opts.Ringtone
	if player == nil {
		player = silentPlayer{}
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = timeAfterFunc
	}

	m := &Manager{
		cfg:         opts.Config,
		signaling:   opts.Signaling,
		afterFunc:   afterFunc,
		logger:      logger,
		mailbox:     newMailbox(),
		workers:     callcore.NewStoppableWorkers(context.Background()),
		subscribers: map[int]func(Snapshot){},
	}
	m.media = media.NewController(opts.Media, logger.Named("media"))
	m.ringtone = ringtone.NewController(player, logger.Named("ringtone"))
	m.pool = peer.NewPool(peer.Options{
		Config:   opts.Config,
		Factory:  opts.PeerFactory,
		Signaler: opts.Signaling,
		Tracks:   m.media,
		Observer: m,
		Logger:   logger.Named("peer"),
	})
	var escalationOpts []escalation.Option
	if opts.Config.RecoverFailed {
		escalationOpts = append(escalationOpts, escalation.RecoverFailed())
	}
	m.escalation = escalation.NewController(m.pool, m.schedule, logger.Named("escalation"), escalationOpts...)
	callcore.UncheckedError(m.workers.Add(m.run))
	return m, nil
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.mailbox.notify:
		}
		for _, f := range m.mailbox.drain() {
			f()
		}
	}
}

// call runs f on the event loop and waits for its result. f still runs if
// ctx is canceled after it was queued.
func call[T any](ctx context.Context, m *Manager, f func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	m.mailbox.post(func() {
		value, err := f()
		done <- result{value, err}
	})
	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.workers.Context().Done():
		select {
		case r := <-done:
			return r.value, r.err
		default:
			return zero, ErrClosed
		}
	}
}

func (m *Manager) do(ctx context.Context, f func() error) error {
	_, err := call(ctx, m, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return err
}

func (m *Manager) schedule(d time.Duration, f func()) func() {
	return m.afterFunc(d, func() { m.mailbox.post(f) })
}

// status is the local status, with an unanswered incoming call counting as
// ringing for the callee.
func (m *Manager) status() (Status, Role) {
	switch {
	case m.session != nil:
		return m.session.Status, m.session.Role
	case m.incoming != nil:
		return StatusRinging, RoleCallee
	default:
		return StatusIdle, ""
	}
}

func (m *Manager) apply(t trigger) (Status, error) {
	status, role := m.status()
	return transition(status, role, t)
}

func (m *Manager) currentCallID() string {
	switch {
	case m.session != nil:
		return m.session.CallID
	case m.incoming != nil:
		return m.incoming.CallID
	default:
		return ""
	}
}

func (m *Manager) isCurrent(callID string) bool {
	return callID != "" && m.currentCallID() == callID
}

func validateReceivers(self string, receiverIDs []string) ([]string, error) {
	if len(receiverIDs) == 0 {
		return nil, errors.New("at least one receiver required")
	}
	receivers := callcore.NewStringSet(receiverIDs...).Dedupe(receiverIDs)
	for _, id := range receivers {
		if id == "" {
			return nil, errors.New("empty receiver id")
		}
		if id == self {
			return nil, errors.New("cannot call yourself")
		}
	}
	return receivers, nil
}

// StartCall rings receiverIDs and returns the new call's id. Local media is
// acquired first; if that fails no call is started.
func (m *Manager) StartCall(
	ctx context.Context,
	receiverIDs []string,
	roomID string,
	callType signaling.CallType,
	isGroup bool,
) (string, error) {
	ctx, span := trace.StartSpan(ctx, "Manager::StartCall")
	defer span.End()

	self := m.signaling.UserID()
	if self == "" {
		return "", ErrInvalidUser
	}
	receivers, err := validateReceivers(self, receiverIDs)
	if err != nil {
		return "", err
	}
	if !callType.Valid() {
		return "", errors.Errorf("unknown call type %q", callType)
	}
	if roomID == "" {
		return "", errors.New("room id required")
	}

	// the loop steps must run even if ctx is canceled while acquiring
	loopCtx := context.WithoutCancel(ctx)
	if err := m.do(loopCtx, func() error {
		if !m.signaling.Connected() {
			return ErrRelayNotConnected
		}
		if status, _ := m.status(); status != StatusIdle || m.acquiring {
			return ErrCallInProgress
		}
		m.acquiring = true
		return nil
	}); err != nil {
		return "", err
	}

	_, acquireErr := m.media.Acquire(ctx, callType)

	callID, err := call(loopCtx, m, func() (string, error) {
		m.acquiring = false
		if acquireErr != nil {
			return "", acquireErr
		}
		committed := false
		defer func() {
			if !committed {
				m.media.Release()
			}
		}()
		if status, _ := m.status(); status != StatusIdle {
			return "", ErrCallInProgress
		}
		if !m.signaling.Connected() {
			return "", ErrRelayNotConnected
		}
		next, err := transition(StatusIdle, "", triggerStart)
		if err != nil {
			return "", err
		}

		details := signaling.CallDetails{
			CallID:       uuid.NewString(),
			CallerID:     self,
			CallerName:   m.cfg.UserName,
			CallerAvatar: m.cfg.UserAvatar,
			ReceiverIDs:  receivers,
			RoomID:       roomID,
			CallType:     callType,
			IsGroup:      isGroup,
		}
		if err := m.signaling.StartCall(loopCtx, details); err != nil {
			return "", errors.Wrap(err, "error starting call")
		}
		committed = true

		m.session = &CallSession{
			CallID:       details.CallID,
			CallerID:     self,
			CallerName:   details.CallerName,
			CallerAvatar: details.CallerAvatar,
			ReceiverIDs:  receivers,
			RoomID:       roomID,
			CallType:     callType,
			IsGroup:      isGroup,
			Status:       next,
			Role:         RoleCaller,
			Participants: []string{self},
		}
		m.pending = callcore.NewStringSet(receivers...)
		m.offered = callcore.NewStringSet()
		m.armRingTimeout(details.CallID)
		perf.RecordCallStarted(loopCtx, string(callType))
		m.logger.Infow("call started",
			"call_id", details.CallID,
			"receivers", receivers,
			"call_type", callType,
			"group", isGroup,
		)
		m.changed()
		return details.CallID, nil
	})
	if errors.Is(err, ErrClosed) {
		m.media.Release()
	}
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return "", err
	}
	return callID, nil
}

// AcceptCall answers the incoming call. If local media cannot be acquired
// because permission was denied, the call is rejected instead and the
// permission error returned.
func (m *Manager) AcceptCall(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "Manager::AcceptCall")
	defer span.End()

	loopCtx := context.WithoutCancel(ctx)
	details, err := call(loopCtx, m, func() (signaling.CallDetails, error) {
		if m.incoming == nil {
			if m.session != nil {
				return signaling.CallDetails{}, ErrCallInProgress
			}
			return signaling.CallDetails{}, ErrNoIncomingCall
		}
		if m.acquiring {
			return signaling.CallDetails{}, ErrCallInProgress
		}
		if !m.signaling.Connected() {
			return signaling.CallDetails{}, ErrRelayNotConnected
		}
		m.acquiring = true
		return *m.incoming, nil
	})
	if err != nil {
		return err
	}

	_, acquireErr := m.media.Acquire(ctx, details.CallType)

	err = m.do(loopCtx, func() error {
		m.acquiring = false
		if m.incoming == nil || m.incoming.CallID != details.CallID {
			if acquireErr == nil {
				m.media.Release()
			}
			return ErrNoIncomingCall
		}
		if acquireErr != nil {
			if errors.Is(acquireErr, media.ErrPermissionDenied) {
				m.logger.Warnw("media permission denied, rejecting call", "call_id", details.CallID)
				if err := m.rejectIncoming(loopCtx); err != nil {
					m.logger.Debugw("error rejecting call", "call_id", details.CallID, "error", err)
				}
			}
			return acquireErr
		}

		next, err := m.apply(triggerAccept)
		if err != nil {
			m.media.Release()
			return err
		}
		if err := m.signaling.Accept(loopCtx, details.CallID); err != nil {
			m.media.Release()
			return errors.Wrap(err, "error accepting call")
		}

		self := m.signaling.UserID()
		m.incoming = nil
		m.session = &CallSession{
			CallID:       details.CallID,
			CallerID:     details.CallerID,
			CallerName:   details.CallerName,
			CallerAvatar: details.CallerAvatar,
			ReceiverIDs:  append([]string(nil), details.ReceiverIDs...),
			RoomID:       details.RoomID,
			CallType:     details.CallType,
			IsGroup:      details.IsGroup,
			Status:       next,
			Role:         RoleCallee,
			Participants: []string{details.CallerID, self},
			StartTime:    time.Now(),
		}
		m.pending = callcore.NewStringSet()
		m.offered = callcore.NewStringSet()
		m.logger.Infow("call accepted", "call_id", details.CallID, "caller", details.CallerID)
		m.changed()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		m.media.Release()
	}
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
	}
	return err
}

func (m *Manager) rejectIncoming(ctx context.Context) error {
	callID := m.incoming.CallID
	if _, err := m.apply(triggerReject); err != nil {
		return err
	}
	m.teardown()
	m.logger.Infow("call rejected", "call_id", callID)
	return m.signaling.Reject(ctx, callID)
}

// RejectCall declines the incoming call.
func (m *Manager) RejectCall(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "Manager::RejectCall")
	defer span.End()

	return m.do(ctx, func() error {
		if m.incoming == nil {
			return ErrNoIncomingCall
		}
		if err := m.rejectIncoming(ctx); err != nil {
			return errors.Wrap(err, "error rejecting call")
		}
		return nil
	})
}

// EndCall hangs up, or stops ringing. Local state is torn down even if the
// relay cannot be told.
func (m *Manager) EndCall(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "Manager::EndCall")
	defer span.End()

	return m.do(ctx, func() error {
		if status, _ := m.status(); status == StatusIdle {
			return ErrNoActiveCall
		}
		callID := m.currentCallID()
		if _, err := m.apply(triggerEnd); err != nil {
			return err
		}
		m.teardown()
		m.logger.Infow("call ended", "call_id", callID)
		if err := m.signaling.End(ctx, callID); err != nil {
			return errors.Wrap(err, "error ending call")
		}
		return nil
	})
}

// ToggleMic mutes or unmutes the local audio and returns whether it is now on.
// Connections are left as they are.
func (m *Manager) ToggleMic(ctx context.Context) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Manager::ToggleMic")
	defer span.End()

	return call(ctx, m, func() (bool, error) {
		return m.toggle(m.media.ToggleMic)
	})
}

// ToggleCamera turns the local video off or on and returns whether it is now
// on. It does nothing on voice calls.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Manager::ToggleCamera")
	defer span.End()

	return call(ctx, m, func() (bool, error) {
		return m.toggle(m.media.ToggleCamera)
	})
}

func (m *Manager) toggle(f func() (bool, error)) (bool, error) {
	if m.session == nil || !m.media.Active() {
		return false, ErrNoActiveCall
	}
	enabled, err := f()
	if err != nil {
		return false, err
	}
	m.changed()
	return enabled, nil
}

// Session returns a copy of the current call, or nil when there is none.
func (m *Manager) Session(ctx context.Context) (*CallSession, error) {
	return call(ctx, m, func() (*CallSession, error) {
		return m.session.clone(), nil
	})
}

// Incoming returns the unanswered incoming call, or nil.
func (m *Manager) Incoming(ctx context.Context) (*IncomingCall, error) {
	return call(ctx, m, func() (*IncomingCall, error) {
		if m.incoming == nil {
			return nil, nil
		}
		incoming := incomingFromDetails(*m.incoming)
		return &incoming, nil
	})
}

// RemoteStreams returns the media received from each participant.
func (m *Manager) RemoteStreams(ctx context.Context) (map[string]peer.RemoteStream, error) {
	return call(ctx, m, func() (map[string]peer.RemoteStream, error) {
		return m.pool.RemoteStreams(), nil
	})
}

// Snapshot returns the whole local state.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, m, func() (Snapshot, error) {
		return m.snapshot(), nil
	})
}

// Subscribe calls f with a snapshot after every change. f runs on the
// Manager's event loop and must not call back into the Manager.
func (m *Manager) Subscribe(f func(Snapshot)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = f
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *Manager) snapshot() Snapshot {
	snap := Snapshot{
		Session:       m.session.clone(),
		Ringing:       m.ringtone.Ringing(),
		MicEnabled:    m.media.MicEnabled(),
		CameraEnabled: m.media.CameraEnabled(),
		RemoteStreams: m.pool.RemoteStreams(),
	}
	if m.incoming != nil {
		incoming := incomingFromDetails(*m.incoming)
		snap.Incoming = &incoming
	}
	return snap
}

// changed brings the ringtone in line with the status and tells subscribers.
func (m *Manager) changed() {
	status, _ := m.status()
	m.ringtone.Update(status == StatusRinging)

	m.subMu.Lock()
	subscribers := make([]func(Snapshot), 0, len(m.subscribers))
	for _, f := range m.subscribers {
		subscribers = append(subscribers, f)
	}
	m.subMu.Unlock()
	if len(subscribers) == 0 {
		return
	}
	snap := m.snapshot()
	for _, f := range subscribers {
		f(snap)
	}
}

func (m *Manager) armRingTimeout(callID string) {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	m.stopRing = m.afterFunc(m.cfg.RingTimeout, func() {
		m.mailbox.post(func() { m.ringTimedOut(callID) })
	})
}

func (m *Manager) disarmRingTimeout() {
	if m.stopRing != nil {
		m.stopRing()
		m.stopRing = nil
	}
}

func (m *Manager) ringTimedOut(callID string) {
	if m.session == nil || m.session.CallID != callID || m.session.Status != StatusRinging {
		return
	}
	if _, err := m.apply(triggerEnd); err != nil {
		m.logger.Debugw("dropping ring timeout", "call_id", callID, "error", err)
		return
	}
	m.logger.Infow("call unanswered", "call_id", callID, "timeout", m.cfg.RingTimeout)
	m.teardown()
	if err := m.signaling.End(m.workers.Context(), callID); err != nil {
		m.logger.Debugw("error ending unanswered call", "call_id", callID, "error", err)
	}
}

// teardown releases everything the call holds and returns to idle. It never
// stops halfway.
func (m *Manager) teardown() {
	m.disarmRingTimeout()
	m.escalation.ResetAll()
	if err := m.pool.CloseAll(); err != nil {
		m.logger.Debugw("error closing connections", "error", err)
	}
	// media being acquired belongs to the pending start or accept, which
	// releases it if it can no longer commit
	if !m.acquiring {
		m.media.Release()
	}
	m.session = nil
	m.incoming = nil
	m.pending = nil
	m.offered = nil
	m.changed()
}

// Close ends any call in progress and stops the Manager.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.do(context.Background(), func() error {
		if status, _ := m.status(); status == StatusIdle {
			return nil
		}
		callID := m.currentCallID()
		m.teardown()
		if !m.signaling.Connected() {
			return nil
		}
		return m.signaling.End(m.workers.Context(), callID)
	})
	m.workers.Stop()
	err = multierr.Combine(err, m.pool.Close())
	m.media.Release()
	m.ringtone.Update(false)
	return err
}
