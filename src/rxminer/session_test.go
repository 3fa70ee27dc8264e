package rxminer

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"testing"
	"time"

	"github.com/onemorebsmith/rxstratum/src/gostratum"
	"github.com/onemorebsmith/rxstratum/src/gostratum/testmocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const ioTimeout = 3 * time.Second

func testEndpoint(name, address string) Endpoint {
	return Endpoint{Name: name, Address: address, User: "wallet-" + name, Password: "x", RigID: "rig"}
}

func newTestSession(cfg SessionConfig, registry *JobRegistry, shares chan Share, ep Endpoint) *Session {
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.LoginTimeout = ioTimeout
	cfg.Agent = "rxminer/test"
	return NewSession(testLogger(), cfg, registry, shares, ep)
}

func runSession(t *testing.T, s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(ioTimeout):
			t.Errorf("session did not stop after cancel")
		}
	})
}

// acceptLogin plays the pool side of a login and hands out job with it.
func acceptLogin(t *testing.T, pool *testmocks.MockPool, loginID string, job *testmocks.MockJob) (*testmocks.PoolConn, LoginParams) {
	t.Helper()
	pc, err := pool.Accept(ioTimeout)
	require.NoError(t, err)
	msg, err := pc.ReadMethod(gostratum.StratumMethodLogin, ioTimeout)
	require.NoError(t, err)
	params := LoginParams{}
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	id, ok := msg.IntId()
	require.True(t, ok)
	require.NoError(t, pc.Write(testmocks.NewLoginResponse(id, loginID, job)))
	return pc, params
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, ioTimeout, 5*time.Millisecond, msg)
}

func TestSessionLoginSubmitAckReject(t *testing.T) {
	pool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	shares := make(chan Share, 4)
	s := newTestSession(SessionConfig{}, registry, shares, testEndpoint("user", pool.Addr))
	runSession(t, s)

	job := testJob("job1", "b88d0600")
	pc, login := acceptLogin(t, pool, "session-1", &job)
	require.Equal(t, "wallet-user", login.Login)
	require.Equal(t, "x", login.Pass)
	require.Equal(t, "rig", login.RigID)
	require.Equal(t, "rxminer/test", login.Agent)

	waitFor(t, "session never became active", func() bool { return s.State() == StateActive })
	current, gen := registry.Current()
	require.Equal(t, "job1", current.ID)
	require.Equal(t, uint64(1844674407370955), current.Target)

	shares <- Share{JobID: "job1", Generation: gen, Nonce: 0x01020304, Digest: digestWithValue(5), HashValue: 5}
	msg, err := pc.ReadMethod(gostratum.StratumMethodSubmit, ioTimeout)
	require.NoError(t, err)
	submit := SubmitParams{}
	require.NoError(t, json.Unmarshal(msg.Params, &submit))
	require.Equal(t, "session-1", submit.Id)
	require.Equal(t, "job1", submit.JobID)
	require.Equal(t, "04030201", submit.Nonce)
	require.Len(t, submit.Result, 64)
	id, _ := msg.IntId()
	require.NoError(t, pc.Write(testmocks.NewStatusResponse(id, gostratum.StatusOK)))
	waitFor(t, "share never acknowledged", func() bool { return s.Stats().Accepted == 1 })

	shares <- Share{JobID: "job1", Generation: gen, Nonce: 7, HashValue: 5}
	msg, err = pc.ReadMethod(gostratum.StratumMethodSubmit, ioTimeout)
	require.NoError(t, err)
	id, _ = msg.IntId()
	require.NoError(t, pc.Write(testmocks.NewLegacyErrorResponse(id, 23, "Low difficulty share")))
	waitFor(t, "share never rejected", func() bool { return s.Stats().Rejected == 1 })
	require.Equal(t, uint64(2), s.Stats().Submitted)
	require.Equal(t, 0, s.PendingSubmits())
	require.Equal(t, StateActive, s.State(), "a rejected share must not drop the session")
}

func TestSessionWaitsForJobAfterLogin(t *testing.T) {
	pool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	s := newTestSession(SessionConfig{}, registry, make(chan Share), testEndpoint("user", pool.Addr))
	runSession(t, s)

	pc, _ := acceptLogin(t, pool, "session-2", nil)
	waitFor(t, "session never logged in", func() bool { return s.State() == StateLoggedIn })
	require.NoError(t, pc.Write(testmocks.NewJobNotification(testJob("late", "ffffffffffffffff"))))
	waitFor(t, "session never became active", func() bool { return s.State() == StateActive })
	current, _ := registry.Current()
	require.Equal(t, "late", current.ID)
	require.Equal(t, uint64(math.MaxUint64), current.Target)
}

func TestSessionKeepAlive(t *testing.T) {
	pool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	s := newTestSession(SessionConfig{KeepAlive: 30 * time.Millisecond}, registry, make(chan Share), testEndpoint("user", pool.Addr))
	runSession(t, s)

	job := testJob("job1", "b88d0600")
	pc, _ := acceptLogin(t, pool, "session-3", &job)
	msg, err := pc.ReadMethod(gostratum.StratumMethodKeepAlive, ioTimeout)
	require.NoError(t, err)
	params := KeepAliveParams{}
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	require.Equal(t, "session-3", params.Id)
	id, _ := msg.IntId()
	require.NoError(t, pc.Write(testmocks.NewStatusResponse(id, gostratum.StatusKeepAlived)))

	// a second one shows the ack did not upset the session
	_, err = pc.ReadMethod(gostratum.StratumMethodKeepAlive, ioTimeout)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())
}

func TestConnectErrors(t *testing.T) {
	registry := NewJobRegistry(1)
	ctx := context.Background()

	t.Run("auth rejected", func(t *testing.T) {
		pool := testmocks.NewMockPool(t)
		s := newTestSession(SessionConfig{}, registry, make(chan Share), testEndpoint("user", pool.Addr))
		go func() {
			pc, err := pool.Accept(ioTimeout)
			if err != nil {
				return
			}
			msg, err := pc.ReadMethod(gostratum.StratumMethodLogin, ioTimeout)
			if err != nil {
				return
			}
			id, _ := msg.IntId()
			pc.Write(testmocks.NewErrorResponse(id, -1, "Invalid payment address provided"))
		}()
		_, err := s.Connect(ctx, s.Target())
		connectErr := &ConnectError{}
		require.True(t, errors.As(err, &connectErr), "expected ConnectError, got %v", err)
		require.Equal(t, ConnectAuthRejected, connectErr.Kind)
		require.Contains(t, err.Error(), "Invalid payment address")
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		pool := testmocks.NewMockPool(t)
		s := newTestSession(SessionConfig{}, registry, make(chan Share), testEndpoint("user", pool.Addr))
		go func() {
			pc, err := pool.Accept(ioTimeout)
			if err != nil {
				return
			}
			pc.Write("HTTP/1.1 400 Bad Request")
		}()
		_, err := s.Connect(ctx, s.Target())
		connectErr := &ConnectError{}
		require.True(t, errors.As(err, &connectErr), "expected ConnectError, got %v", err)
		require.Equal(t, ConnectProtocolMismatch, connectErr.Kind)
	})

	t.Run("network", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := listener.Addr().String()
		listener.Close()
		s := newTestSession(SessionConfig{}, registry, make(chan Share), testEndpoint("user", addr))
		_, err = s.Connect(ctx, s.Target())
		connectErr := &ConnectError{}
		require.True(t, errors.As(err, &connectErr), "expected ConnectError, got %v", err)
		require.Equal(t, ConnectNetwork, connectErr.Kind)
		require.Equal(t, ErrShortNetwork, ShortCode(err))
	})
}

func TestSessionReconnectsAndClearsPending(t *testing.T) {
	pool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	shares := make(chan Share, 1)
	s := newTestSession(SessionConfig{}, registry, shares, testEndpoint("user", pool.Addr))
	runSession(t, s)

	job := testJob("job1", "b88d0600")
	pc, _ := acceptLogin(t, pool, "first", &job)
	waitFor(t, "session never became active", func() bool { return s.State() == StateActive })
	_, gen := registry.Current()
	shares <- Share{JobID: "job1", Generation: gen, Nonce: 1}
	_, err := pc.ReadMethod(gostratum.StratumMethodSubmit, ioTimeout)
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingSubmits())

	pc.Close()
	second := testJob("job2", "b88d0600")
	acceptLogin(t, pool, "second", &second)
	waitFor(t, "session never reconnected", func() bool {
		current, _ := registry.Current()
		return s.State() == StateActive && current.ID == "job2"
	})
	require.Equal(t, 0, s.PendingSubmits())

	// shares found before the reconnect are never sent to the new connection
	require.ErrorIs(t, s.Submit(Share{JobID: "job1", Generation: gen, Nonce: 2}), ErrStaleShare)
}

func TestSessionProtocolErrorBudget(t *testing.T) {
	pool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	s := newTestSession(SessionConfig{
		ProtocolErrorRate:  rate.Every(time.Hour),
		ProtocolErrorBurst: 2,
	}, registry, make(chan Share), testEndpoint("user", pool.Addr))
	runSession(t, s)

	job := testJob("job1", "b88d0600")
	pc, _ := acceptLogin(t, pool, "noisy", &job)
	waitFor(t, "session never became active", func() bool { return s.State() == StateActive })
	for i := 0; i < 3; i++ {
		require.NoError(t, pc.Write("not json at all"))
	}
	// the third error exhausts the budget and forces a fresh connection
	acceptLogin(t, pool, "clean", &job)
	waitFor(t, "session never came back", func() bool { return s.State() == StateActive })
}

func TestSessionSwitchEndpoint(t *testing.T) {
	userPool := testmocks.NewMockPool(t)
	donationPool := testmocks.NewMockPool(t)
	registry := NewJobRegistry(1)
	s := newTestSession(SessionConfig{}, registry, make(chan Share), testEndpoint("user", userPool.Addr))
	runSession(t, s)

	job := testJob("user-job", "b88d0600")
	userConn, _ := acceptLogin(t, userPool, "u", &job)
	waitFor(t, "session never became active", func() bool { return s.State() == StateActive })

	s.SwitchEndpoint(testEndpoint("donation", donationPool.Addr))
	donationJob := testJob("donation-job", "b88d0600")
	_, login := acceptLogin(t, donationPool, "d", &donationJob)
	require.Equal(t, "wallet-donation", login.Login)
	waitFor(t, "donation job never published", func() bool {
		current, _ := registry.Current()
		return s.State() == StateActive && current.ID == "donation-job"
	})
	require.Equal(t, "donation", s.Target().Name)

	// the user connection was closed by the switch
	_, err := userConn.ReadMessage(ioTimeout)
	require.Error(t, err)
}

func TestSubmitStalePolicy(t *testing.T) {
	registry := NewJobRegistry(1)
	registry.Publish(mustJob("old", 100))
	registry.Publish(mustJob("new", 100))

	discard := NewSession(testLogger(), SessionConfig{}, registry, nil, Endpoint{Name: "user"})
	require.ErrorIs(t, discard.Submit(Share{JobID: "old", Generation: 1}), ErrStaleShare)
	require.Equal(t, uint64(1), discard.Stats().Stale)
	require.ErrorIs(t, discard.Submit(Share{JobID: "new", Generation: 2}), ErrNotConnected)

	submit := NewSession(testLogger(), SessionConfig{StalePolicy: StaleSubmit}, registry, nil, Endpoint{Name: "user"})
	err := submit.Submit(Share{JobID: "old", Generation: 1})
	require.ErrorIs(t, err, ErrNotConnected, "stale shares pass through under the submit policy")
	submitErr := &SubmitError{}
	require.True(t, errors.As(err, &submitErr))
	require.Equal(t, "old", submitErr.JobID)
}

func TestOnMessage(t *testing.T) {
	registry := NewJobRegistry(2)
	s := NewSession(testLogger(), SessionConfig{}, registry, nil, Endpoint{Name: "user"})

	kind, err := s.OnMessage(testmocks.NewSetDifficulty(1000))
	require.NoError(t, err)
	require.Equal(t, MessageDifficulty, kind)

	kind, err = s.OnMessage(testmocks.NewNotifyArray("n1", testBlobHex, testSeedHex(), ""))
	require.NoError(t, err)
	require.Equal(t, MessageJobNotification, kind)
	job, gen := registry.Current()
	require.Equal(t, "n1", job.ID)
	require.Equal(t, uint64(math.MaxUint64/1000), job.Target)
	require.Equal(t, uint64(1), gen)

	kind, err = s.OnMessage(testmocks.NewJobNotification(testJob("j2", "b88d0600")))
	require.NoError(t, err)
	require.Equal(t, MessageJobNotification, kind)

	kind, err = s.OnMessage(testmocks.NewSetExtranonce("ab"))
	require.NoError(t, err)
	require.Equal(t, MessageExtranonce, kind)
	snap := registry.Snapshot()
	require.Equal(t, uint64(3), snap.Generation)
	require.Equal(t, "j2", snap.Job.ID)
	require.Equal(t, []byte{0xAB}, snap.Job.Extranonce)
	for _, r := range snap.Ranges {
		require.Equal(t, uint32(0xAB), r.Start>>24)
		require.Equal(t, uint32(0xAB), r.End>>24)
	}

	kind, err = s.OnMessage(`{"id":99,"result":{"status":"KEEPALIVED"},"error":null}`)
	require.NoError(t, err)
	require.Equal(t, MessageKeepAlive, kind)

	kind, err = s.OnMessage(`{"id":null,"jsonrpc":"2.0","method":"keepalived","params":{}}`)
	require.NoError(t, err)
	require.Equal(t, MessageKeepAlive, kind)

	kind, err = s.OnMessage(`{"id":55,"result":null,"error":{"code":-1,"message":"Unauthenticated"}}`)
	require.NoError(t, err)
	require.Equal(t, MessageError, kind)

	_, err = s.OnMessage(`{"method":"mining.reconfigure","params":[]}`)
	require.ErrorIs(t, err, ErrProtocol)

	_, err = s.OnMessage(`garbage`)
	require.ErrorIs(t, err, ErrProtocol)

	_, err = s.OnMessage(testmocks.NewJobNotification(testmocks.MockJob{JobID: "bad", Blob: "00", Target: "b88d0600"}))
	require.ErrorIs(t, err, ErrInvalidJob)
	require.Equal(t, uint64(3), registry.Generation(), "invalid jobs must not be published")
}

func TestOnMessageNotifyWithoutDifficulty(t *testing.T) {
	registry := NewJobRegistry(1)
	s := NewSession(testLogger(), SessionConfig{}, registry, nil, Endpoint{Name: "user"})

	// nothing said about difficulty yet and no job to inherit a target from
	kind, err := s.OnMessage(`{"method":"mining.notify","params":["a1","` + testBlobHex + `","` + testSeedHex() + `"]}`)
	require.NoError(t, err)
	require.Equal(t, MessageJobNotification, kind)
	job, gen := registry.Current()
	require.Equal(t, uint64(1), gen)
	require.Equal(t, "a1", job.ID)
	require.Equal(t, DefaultTarget, job.Target)
	target, err := ParseTarget("ffffffff")
	require.NoError(t, err)
	require.Equal(t, target, DefaultTarget)

	kind, err = s.OnMessage(`{"method":"mining.notify","params":{"job_id":"b1","blob_hex":"` + testBlobHex +
		`","seed_hash_hex":"` + testSeedHex() + `","target":"b88d0600"}}`)
	require.NoError(t, err)
	require.Equal(t, MessageJobNotification, kind)
	job, gen = registry.Current()
	require.Equal(t, uint64(2), gen)
	require.Equal(t, "b1", job.ID)
	require.Equal(t, uint64(1844674407370955), job.Target)
	require.Len(t, job.Blob, 76)
	require.Equal(t, []byte("seed-0001"), job.Seed)
}

func TestServeSkipsSharesDuringRequestedDisconnect(t *testing.T) {
	registry := NewJobRegistry(1)
	_, err := registry.Publish(mustJob("j1", 100))
	require.NoError(t, err)
	shares := make(chan Share, 1)
	s := NewSession(testLogger(), SessionConfig{}, registry, shares, Endpoint{Name: "user"})

	client, server := net.Pipe()
	defer server.Close()
	conn := gostratum.NewStratumConn(client, testLogger())
	defer conn.Disconnect()

	// the session is not active, as right after SwitchEndpoint dropped the
	// connection and before the kick has been read
	shares <- Share{JobID: "j1", Generation: 1, Nonce: 9}
	done := make(chan error, 1)
	go func() { done <- s.serve(context.Background(), conn) }()
	waitFor(t, "share never picked up", func() bool { return len(shares) == 0 })
	s.Disconnect()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errReconnectRequest, "a share racing the disconnect must not look like a lost connection")
	case <-time.After(ioTimeout):
		t.Fatalf("serve never noticed the disconnect")
	}
}
