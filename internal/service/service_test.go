package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/notify"
	"wisefido-guardian/internal/repository"
)

type notification struct {
	person models.Person
	alert  models.Alert
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notification
	err   error
	block chan struct{}
}

func (f *fakeNotifier) Notify(_ context.Context, person models.Person, alert models.Alert) (notify.Dispatch, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{person: person, alert: alert})
	return notify.Dispatch{Caregivers: 1}, f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeClock 可控时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store      *repository.MemoryStore
	clock      *fakeClock
	notifier   *fakeNotifier
	escalation *Escalation
	sweeper    *Sweeper
}

// 2024-03-01 14:00 UTC，白天
var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	store := repository.NewMemoryStore()
	store.AddPerson(models.Person{ID: "p1", Email: "anna@example.com", Name: "Anna"})
	store.AddPerson(models.Person{ID: "p2", Email: "ben@example.com", RiskTier: models.RiskHigh})
	store.AddCaregiver("c1", "carol@example.com")
	store.AddCaregiver("c2", "dave@example.com")
	_ = store.LinkCaregiver(context.Background(), "p1", "c1")

	clock := &fakeClock{now: t0}
	notifier := &fakeNotifier{}
	logger := zap.NewNop()

	esc := NewEscalation(store, evaluator.NewCooldownGuard(60*time.Minute), notifier, 45*time.Minute, logger, nil)
	esc.now = clock.Now

	policy := evaluator.NewThresholdPolicy(8*time.Hour, 12*time.Hour, 4*time.Hour, 22, 7, time.UTC)
	sw := NewSweeper(store, esc, policy, notifier, 10*time.Minute, logger)
	sw.now = clock.Now

	return &fixture{store: store, clock: clock, notifier: notifier, escalation: esc, sweeper: sw}
}

func (f *fixture) heartbeatAt(personID string, ts time.Time) {
	_ = f.store.InPersonScope(context.Background(), personID, func(l repository.Ledger) error {
		return l.InsertHeartbeat(context.Background(), models.Heartbeat{PersonID: personID, Timestamp: ts})
	})
}
