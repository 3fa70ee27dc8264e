package rxminer

import (
	"context"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/zap"
)

const DefaultDonationCycle = 100 * time.Minute

type DonationPhase int

const (
	PhaseUser DonationPhase = iota
	PhaseDonation
)

func (p DonationPhase) String() string {
	if p == PhaseDonation {
		return "donation"
	}
	return "user"
}

// DonationPlan splits a cycle so that donation/cycle == level/100.
type DonationPlan struct {
	Level            int
	Cycle            time.Duration
	UserDuration     time.Duration
	DonationDuration time.Duration
}

func NewDonationPlan(level int, cycle time.Duration) DonationPlan {
	if level < 1 {
		level = 1
	}
	if level > MaxDonateLevel {
		level = MaxDonateLevel
	}
	if cycle <= 0 {
		cycle = DefaultDonationCycle
	}
	donation := cycle * time.Duration(level) / 100
	return DonationPlan{
		Level:            level,
		Cycle:            cycle,
		UserDuration:     cycle - donation,
		DonationDuration: donation,
	}
}

// FirstDonationDelay puts the first donation in the middle of the first user
// phase rather than right at startup.
func (p DonationPlan) FirstDonationDelay() time.Duration {
	return p.UserDuration / 2
}

func (p DonationPlan) Duration(phase DonationPhase) time.Duration {
	if phase == PhaseDonation {
		return p.DonationDuration
	}
	return p.UserDuration
}

type EndpointSwitcher interface {
	SwitchEndpoint(ep Endpoint)
}

// DonationScheduler alternates the session between the user endpoint and the
// donation endpoint on a timer.
type DonationScheduler struct {
	logger      *zap.SugaredLogger
	switcher    EndpointSwitcher
	user        Endpoint
	donation    Endpoint
	lock        sync.Mutex
	plan        DonationPlan
	phase       DonationPhase
	phaseStart  time.Time
	phaseLength time.Duration
	firstCycle  bool
	reconfigure chan struct{}
}

func NewDonationScheduler(logger *zap.SugaredLogger, switcher EndpointSwitcher, user, donation Endpoint, plan DonationPlan) *DonationScheduler {
	return &DonationScheduler{
		logger:      logger.With(zap.String("component", "donation")),
		switcher:    switcher,
		user:        user,
		donation:    donation,
		plan:        plan,
		phase:       PhaseUser,
		reconfigure: make(chan struct{}, 1),
	}
}

func (d *DonationScheduler) Plan() DonationPlan {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.plan
}

// Phase reports the current phase and how long until it ends.
func (d *DonationScheduler) Phase() (DonationPhase, time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	remaining := d.phaseLength - time.Since(d.phaseStart)
	if remaining < 0 {
		remaining = 0
	}
	return d.phase, remaining
}

// Reconfigure changes the donation level. The running phase is shortened or
// extended to the new plan's length for that phase.
func (d *DonationScheduler) Reconfigure(level int) {
	d.lock.Lock()
	d.plan = NewDonationPlan(level, d.plan.Cycle)
	plan := d.plan
	d.lock.Unlock()
	d.logger.Infof("donation level set to %d%% (%s every %s)", plan.Level,
		durafmt.Parse(plan.DonationDuration).String(), durafmt.Parse(plan.Cycle).String())
	select {
	case d.reconfigure <- struct{}{}:
	default:
	}
}

func (d *DonationScheduler) enter(phase DonationPhase, length time.Duration) {
	d.lock.Lock()
	d.phase = phase
	d.phaseStart = time.Now()
	d.phaseLength = length
	d.lock.Unlock()
	RecordDonationPhase(phase)
}

// remaining recomputes the current phase length from the plan, used after a
// reconfiguration.
func (d *DonationScheduler) remaining() time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	switch {
	case d.phase == PhaseDonation:
		d.phaseLength = d.plan.DonationDuration
	case d.firstCycle:
		d.phaseLength = d.plan.FirstDonationDelay()
	default:
		d.phaseLength = d.plan.UserDuration
	}
	left := d.phaseLength - time.Since(d.phaseStart)
	if left < 0 {
		left = 0
	}
	return left
}

func (d *DonationScheduler) Run(ctx context.Context) error {
	plan := d.Plan()
	first := plan.FirstDonationDelay()
	d.lock.Lock()
	d.firstCycle = true
	d.lock.Unlock()
	d.enter(PhaseUser, first)
	d.logger.Infof("donating %d%% of mining time, first donation in %s", plan.Level, durafmt.Parse(first).LimitFirstN(2).String())

	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.reconfigure:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.remaining())
		case <-timer.C:
			phase, _ := d.Phase()
			plan := d.Plan()
			if phase == PhaseUser {
				d.lock.Lock()
				d.firstCycle = false
				d.lock.Unlock()
				d.enter(PhaseDonation, plan.DonationDuration)
				d.logger.Infof("switching to donation pool for %s", durafmt.Parse(plan.DonationDuration).String())
				d.switcher.SwitchEndpoint(d.donation)
				timer.Reset(plan.DonationDuration)
			} else {
				d.enter(PhaseUser, plan.UserDuration)
				d.logger.Infof("donation finished, back to %s", d.user.Address)
				d.switcher.SwitchEndpoint(d.user)
				timer.Reset(plan.UserDuration)
			}
		}
	}
}
