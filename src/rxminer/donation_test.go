package rxminer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDonationPlan(t *testing.T) {
	plan := NewDonationPlan(1, 200*time.Minute)
	require.Equal(t, 2*time.Minute, plan.DonationDuration)
	require.Equal(t, 198*time.Minute, plan.UserDuration)

	plan = NewDonationPlan(2, 200*time.Minute)
	require.Equal(t, 4*time.Minute, plan.DonationDuration)
	require.Equal(t, 196*time.Minute, plan.UserDuration)

	plan = NewDonationPlan(0, 0)
	require.Equal(t, 1, plan.Level, "levels below 1 are clamped")
	require.Equal(t, DefaultDonationCycle, plan.Cycle)
	require.Equal(t, time.Minute, plan.DonationDuration)
	require.Equal(t, 99*time.Minute, plan.UserDuration)
	require.Equal(t, plan.Cycle, plan.UserDuration+plan.DonationDuration)

	plan = NewDonationPlan(-5, time.Hour)
	require.Equal(t, 1, plan.Level)
	require.Equal(t, plan.UserDuration/2, plan.FirstDonationDelay())
	require.Equal(t, plan.DonationDuration, plan.Duration(PhaseDonation))
	require.Equal(t, plan.UserDuration, plan.Duration(PhaseUser))
}

type recordingSwitcher struct {
	lock      sync.Mutex
	endpoints []string
	at        []time.Time
}

func (r *recordingSwitcher) SwitchEndpoint(ep Endpoint) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.endpoints = append(r.endpoints, ep.Name)
	r.at = append(r.at, time.Now())
}

func (r *recordingSwitcher) switches() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.endpoints...)
}

func TestDonationSchedulerSwitches(t *testing.T) {
	switcher := &recordingSwitcher{}
	// 50% of a 200ms cycle: first donation after 50ms, then 100ms each way
	plan := NewDonationPlan(50, 200*time.Millisecond)
	user := Endpoint{Name: "user", Address: "user:1"}
	donation := Endpoint{Name: "donation", Address: "donation:1"}
	scheduler := NewDonationScheduler(testLogger(), switcher, user, donation, plan)

	ctx, cancel := context.WithTimeout(context.Background(), 420*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, scheduler.Run(ctx))

	got := switcher.switches()
	require.GreaterOrEqual(t, len(got), 3, "expected at least three switches, got %v", got)
	require.Equal(t, []string{"donation", "user", "donation"}, got[:3])
	require.GreaterOrEqual(t, switcher.at[0].Sub(start), 50*time.Millisecond)
	require.Less(t, switcher.at[0].Sub(start), 150*time.Millisecond)
}

func TestDonationSchedulerReconfigure(t *testing.T) {
	switcher := &recordingSwitcher{}
	plan := NewDonationPlan(1, time.Hour)
	scheduler := NewDonationScheduler(testLogger(), switcher, Endpoint{Name: "user"}, Endpoint{Name: "donation"}, plan)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- scheduler.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	phase, remaining := scheduler.Phase()
	require.Equal(t, PhaseUser, phase)
	require.Greater(t, remaining, 25*time.Minute)

	scheduler.Reconfigure(3)
	require.Equal(t, 3, scheduler.Plan().Level)
	require.Equal(t, 108*time.Second, scheduler.Plan().DonationDuration)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, switcher.switches(), "reconfiguring must not switch endpoints by itself")

	cancel()
	require.NoError(t, <-done)
}
