package rxminer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onemorebsmith/rxstratum/src/gostratum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateLoggedIn
	StateActive
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged in"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type StaleSharePolicy string

const (
	StaleDiscard StaleSharePolicy = "discard"
	StaleSubmit  StaleSharePolicy = "submit"
)

func ParseStalePolicy(s string) (StaleSharePolicy, error) {
	switch StaleSharePolicy(s) {
	case StaleDiscard, "":
		return StaleDiscard, nil
	case StaleSubmit:
		return StaleSubmit, nil
	}
	return "", errors.Errorf("unknown stale_shares policy %q, expected discard or submit", s)
}

// Endpoint is a pool plus the credentials used on it.
type Endpoint struct {
	Name     string
	Address  string
	TLS      bool
	User     string
	Password string
	RigID    string
}

type DialFunc func(ctx context.Context, ep Endpoint) (net.Conn, error)

func DefaultDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, ep Endpoint) (net.Conn, error) {
		return gostratum.Dial(ctx, ep.Address, ep.TLS, timeout)
	}
}

type SessionConfig struct {
	Agent        string
	KeepAlive    time.Duration
	LoginTimeout time.Duration
	ReadTimeout  time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	StalePolicy  StaleSharePolicy
	// ProtocolErrorRate and ProtocolErrorBurst bound how many malformed
	// messages are tolerated before the connection is recycled.
	ProtocolErrorRate  rate.Limit
	ProtocolErrorBurst int
	Dial               DialFunc
}

func (c *SessionConfig) applyDefaults() {
	if c.Agent == "" {
		c.Agent = "rxminer"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Minute
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 2 * time.Minute
	}
	if c.StalePolicy == "" {
		c.StalePolicy = StaleDiscard
	}
	if c.ProtocolErrorRate == 0 {
		c.ProtocolErrorRate = rate.Every(10 * time.Second)
	}
	if c.ProtocolErrorBurst < 1 {
		c.ProtocolErrorBurst = 5
	}
	if c.Dial == nil {
		c.Dial = DefaultDialer(15 * time.Second)
	}
}

type pendingSubmit struct {
	share  Share
	sentAt time.Time
}

type SessionStats struct {
	Submitted uint64
	Accepted  uint64
	Rejected  uint64
	Stale     uint64
	Jobs      uint64
}

// Session owns the connection to whichever endpoint it is currently pointed
// at and keeps it alive forever. Jobs it receives go to the registry, shares
// it reads from the worker pool go to the pool.
type Session struct {
	logger   *zap.SugaredLogger
	cfg      SessionConfig
	registry *JobRegistry
	shares   <-chan Share

	state       atomic.Int32
	targetLock  sync.Mutex
	target      Endpoint
	connLock    sync.Mutex
	conn        *gostratum.StratumConn
	loginID     string
	kick        chan struct{}
	protoErrors *rate.Limiter

	// message state, owned by whoever is reading the connection
	msgLock    sync.Mutex
	pending    map[int64]pendingSubmit
	diffTarget uint64
	extranonce []byte
	minGen     uint64

	submitted atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64
	jobs      atomic.Uint64
}

func NewSession(logger *zap.SugaredLogger, cfg SessionConfig, registry *JobRegistry, shares <-chan Share, target Endpoint) *Session {
	cfg.applyDefaults()
	s := &Session{
		logger:      logger.With(zap.String("component", "session")),
		cfg:         cfg,
		registry:    registry,
		shares:      shares,
		target:      target,
		kick:        make(chan struct{}, 1),
		protoErrors: rate.NewLimiter(cfg.ProtocolErrorRate, cfg.ProtocolErrorBurst),
		pending:     map[int64]pendingSubmit{},
	}
	s.setState(StateDisconnected)
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	previous := SessionState(s.state.Swap(int32(state)))
	if previous != state {
		s.logger.Debugf("session %s -> %s", previous, state)
	}
	RecordSessionState(state)
}

func (s *Session) Target() Endpoint {
	s.targetLock.Lock()
	defer s.targetLock.Unlock()
	return s.target
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Submitted: s.submitted.Load(),
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
		Stale:     s.stale.Load(),
		Jobs:      s.jobs.Load(),
	}
}

// SwitchEndpoint points the session at a new endpoint and drops the current
// connection so Run reconnects right away.
func (s *Session) SwitchEndpoint(ep Endpoint) {
	s.targetLock.Lock()
	s.target = ep
	s.targetLock.Unlock()
	s.logger.Infof("switching to %s pool %s", ep.Name, ep.Address)
	s.Disconnect()
}

// Disconnect closes the transport. Run notices and reconnects to the current
// target without backing off.
func (s *Session) Disconnect() {
	s.closeConn()
	s.setState(StateDisconnected)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) closeConn() {
	s.connLock.Lock()
	conn := s.conn
	s.conn = nil
	s.connLock.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (s *Session) currentConn() *gostratum.StratumConn {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.conn
}

// Run keeps the session connected until ctx is cancelled. Connection and
// login failures are retried with a doubling backoff, never given up on.
func (s *Session) Run(ctx context.Context) error {
	wait := newBackoff(s.cfg.BackoffMin, s.cfg.BackoffMax)
	defer func() {
		s.closeConn()
		s.setState(StateDisconnected)
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-s.kick:
		default:
		}
		ep := s.Target()
		conn, err := s.Connect(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setState(StateReconnecting)
			RecordConnectError(ep.Name, ShortCode(err))
			if s.kicked() {
				continue
			}
			delay := wait.Next()
			var connectErr *ConnectError
			if errors.As(err, &connectErr) && connectErr.Kind == ConnectAuthRejected {
				s.logger.Errorf("%s, check wallet and password, retrying in %s", err, delay)
			} else {
				s.logger.Warnf("%s, retrying in %s", err, delay)
			}
			if s.sleepOrKick(ctx, delay) != nil {
				return nil
			}
			continue
		}
		wait.Reset()

		err = s.serve(ctx, conn)
		s.closeConn()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReconnectRequest) {
			continue
		}
		s.setState(StateReconnecting)
		RecordDisconnect(ep.Name, ShortCode(err))
		delay := wait.Next()
		s.logger.Warnf("lost connection to %s: %s, reconnecting in %s", ep.Address, err, delay)
		if s.sleepOrKick(ctx, delay) != nil {
			return nil
		}
	}
}

func (s *Session) kicked() bool {
	select {
	case <-s.kick:
		return true
	default:
		return false
	}
}

func (s *Session) sleepOrKick(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.kick:
		return nil
	case <-timer.C:
		return nil
	}
}

// Connect dials ep, logs in and waits for the first job. On success the
// session is Active and the returned connection is the session's current
// one.
func (s *Session) Connect(ctx context.Context, ep Endpoint) (*gostratum.StratumConn, error) {
	s.setState(StateConnecting)
	s.logger.Infof("connecting to %s pool %s", ep.Name, ep.Address)
	raw, err := s.cfg.Dial(ctx, ep)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectNetwork, Endpoint: ep.Address, Err: err}
	}
	conn := gostratum.NewStratumConn(raw, s.logger)
	s.connLock.Lock()
	s.conn = conn
	s.connLock.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Disconnect() })
	defer stop()

	if err := s.handshake(conn, ep); err != nil {
		s.closeConn()
		conn.Disconnect()
		return nil, err
	}
	s.setState(StateActive)
	return conn, nil
}

func (s *Session) handshake(conn *gostratum.StratumConn, ep Endpoint) error {
	s.resetMessageState()
	loginId := conn.NextId()
	login := gostratum.NewEvent(loginId, gostratum.StratumMethodLogin, LoginParams{
		Login: ep.User,
		Pass:  ep.Password,
		Agent: s.cfg.Agent,
		RigID: ep.RigID,
	})
	if err := conn.Send(login); err != nil {
		return &ConnectError{Kind: ConnectNetwork, Endpoint: ep.Address, Err: err}
	}

	startGen := s.registry.Generation()
	deadline := time.Now().Add(s.cfg.LoginTimeout)
	loggedIn := false
	for {
		line, err := conn.ReadLine(deadline)
		if err != nil {
			if loggedIn {
				err = errors.Wrap(err, "logged in but no job arrived")
			}
			return &ConnectError{Kind: ConnectNetwork, Endpoint: ep.Address, Err: err}
		}
		msg, err := gostratum.UnmarshalMessage(line)
		if err != nil {
			return &ConnectError{Kind: ConnectProtocolMismatch, Endpoint: ep.Address, Err: errors.Wrapf(err, "unparseable line %q", line)}
		}
		if id, ok := msg.IntId(); ok && id == loginId && !msg.IsRequest() {
			if msg.Error != nil {
				return &ConnectError{Kind: ConnectAuthRejected, Endpoint: ep.Address, Err: msg.Error}
			}
			result := LoginResult{}
			if err := decodeResult(msg, &result); err != nil {
				return &ConnectError{Kind: ConnectProtocolMismatch, Endpoint: ep.Address, Err: err}
			}
			s.connLock.Lock()
			s.loginID = result.Id
			s.connLock.Unlock()
			s.setState(StateLoggedIn)
			s.logger.Infof("logged in to %s as %s", ep.Address, shortWallet(ep.User))
			loggedIn = true
			if result.Job != nil {
				if err := s.publish(*result.Job); err != nil {
					return &ConnectError{Kind: ConnectProtocolMismatch, Endpoint: ep.Address, Err: err}
				}
			}
		} else if msg.IsRequest() {
			if _, err := s.dispatch(msg); err != nil {
				s.logger.Warnf("ignoring bad message during login: %s", err)
			}
		} else {
			s.logger.Debugf("ignoring unexpected response during login: %s", line)
		}
		if loggedIn && s.registry.Generation() > startGen {
			s.msgLock.Lock()
			s.minGen = s.registry.Generation()
			s.msgLock.Unlock()
			return nil
		}
	}
}

func (s *Session) resetMessageState() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()
	s.pending = map[int64]pendingSubmit{}
	s.diffTarget = 0
	s.extranonce = nil
}

// serve pumps the connection until it fails, ctx ends or a disconnect is
// requested.
func (s *Session) serve(ctx context.Context, conn *gostratum.StratumConn) error {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			line, err := conn.ReadLine(time.Now().Add(s.cfg.ReadTimeout))
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			return errReconnectRequest
		case err := <-readErr:
			return errors.Wrap(err, "read failed")
		case line := <-lines:
			if _, err := s.OnMessage(line); err != nil {
				s.logger.Warnf("protocol error: %s", err)
				if !s.protoErrors.Allow() {
					return errors.Wrap(ErrProtocol, "too many protocol errors")
				}
			}
		case share := <-s.shares:
			if err := s.Submit(share); err != nil {
				// ErrNotConnected here means a disconnect was requested and
				// the kick is still waiting to be read
				if errors.Is(err, ErrStaleShare) || errors.Is(err, ErrNotConnected) {
					continue
				}
				return err
			}
		case <-keepAlive.C:
			if err := s.sendKeepAlive(conn); err != nil {
				return errors.Wrap(err, "keepalive failed")
			}
		}
	}
}

func (s *Session) sendKeepAlive(conn *gostratum.StratumConn) error {
	s.connLock.Lock()
	loginID := s.loginID
	s.connLock.Unlock()
	return conn.Send(gostratum.NewEvent(conn.NextId(), gostratum.StratumMethodKeepAlive, KeepAliveParams{Id: loginID}))
}

// Submit sends a share to the pool. Stale shares are discarded under the
// discard policy, and shares from before the last reconnect always are.
func (s *Session) Submit(share Share) error {
	ep := s.Target()
	s.msgLock.Lock()
	minGen := s.minGen
	s.msgLock.Unlock()
	current := s.registry.Generation()
	if share.Generation < minGen || (s.cfg.StalePolicy == StaleDiscard && share.Generation != current) {
		s.stale.Add(1)
		RecordStaleShare(ep.Name)
		s.logger.Debugf("discarding stale share for job %s (generation %d, current %d)", share.JobID, share.Generation, current)
		return &SubmitError{JobID: share.JobID, Nonce: share.Nonce, Err: ErrStaleShare}
	}

	conn := s.currentConn()
	if conn == nil || s.State() != StateActive {
		return &SubmitError{JobID: share.JobID, Nonce: share.Nonce, Err: ErrNotConnected}
	}
	s.connLock.Lock()
	loginID := s.loginID
	s.connLock.Unlock()

	id := conn.NextId()
	s.msgLock.Lock()
	s.pending[id] = pendingSubmit{share: share, sentAt: time.Now()}
	s.msgLock.Unlock()
	err := conn.Send(gostratum.NewEvent(id, gostratum.StratumMethodSubmit, SubmitParams{
		Id:     loginID,
		JobID:  share.JobID,
		Nonce:  share.NonceHex(),
		Result: share.ResultHex(),
	}))
	if err != nil {
		s.msgLock.Lock()
		delete(s.pending, id)
		s.msgLock.Unlock()
		s.setState(StateReconnecting)
		return &SubmitError{JobID: share.JobID, Nonce: share.Nonce, Err: err}
	}
	s.submitted.Add(1)
	RecordShareSubmitted(ep.Name)
	s.logger.Infof("submitted share for job %s nonce %s (diff %d)", share.JobID, share.NonceHex(), DifficultyFromTarget(share.HashValue))
	return nil
}

func (s *Session) PendingSubmits() int {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()
	return len(s.pending)
}

func (s *Session) publish(params JobParams) error {
	ep := s.Target()
	s.msgLock.Lock()
	fallback := s.diffTarget
	extranonce := s.extranonce
	s.msgLock.Unlock()
	if fallback == 0 {
		if current, _ := s.registry.Current(); current != nil {
			fallback = current.Target
		} else {
			fallback = DefaultTarget
		}
	}
	job, err := params.ToJob(fallback, extranonce)
	if err != nil {
		return err
	}
	snap, err := s.registry.Publish(job)
	if err != nil {
		return err
	}
	s.jobs.Add(1)
	RecordNewJob(ep.Name)
	s.logger.Infof("new job %s from %s (diff %d, height %d, generation %d)",
		job.ID, ep.Name, DifficultyFromTarget(job.Target), job.Height, snap.Generation)
	return nil
}

func shortWallet(wallet string) string {
	if len(wallet) <= 16 {
		return wallet
	}
	return wallet[:8] + "..." + wallet[len(wallet)-8:]
}
