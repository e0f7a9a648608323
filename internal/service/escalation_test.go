package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"
)

func TestErrorTaxonomy(t *testing.T) {
	for _, err := range []error{ErrInvalidKind, ErrInvalidAction, ErrForbidden, ErrAlertClosed} {
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.False(t, errors.Is(ErrAlertNotFound, ErrInvalidInput))
}

func TestCreateAlert_InvalidKind(t *testing.T) {
	f := newFixture()
	alert, err := f.escalation.CreateAlert(context.Background(), "p1", models.AlertKind("FIRE"), t0)
	assert.Nil(t, alert)
	assert.ErrorIs(t, err, ErrInvalidKind)
	assert.ErrorIs(t, err, ErrInvalidInput)

	list, _ := f.store.ListAlertsFor(context.Background(), []string{"p1"}, 10)
	assert.Empty(t, list)
}

// 手动 SOS：t0 创建，+5 分钟抑制，+61 分钟再次创建
func TestRaiseAlert_CooldownScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.escalation.RaiseAlert(ctx, "p1", models.KindManualSOS)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.StatusOpen, first.Status)
	assert.Equal(t, t0, first.CreatedAt)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "Anna", f.notifier.sent[0].person.Name)

	f.clock.Advance(5 * time.Minute)
	second, err := f.escalation.RaiseAlert(ctx, "p1", models.KindManualSOS)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, f.notifier.count())

	f.clock.Set(t0.Add(61 * time.Minute))
	third, err := f.escalation.RaiseAlert(ctx, "p1", models.KindManualSOS)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, f.notifier.count())
}

func TestRaiseAlert_CooldownSpansKindsAndStatuses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	fall, err := f.escalation.RaiseAlert(ctx, "p1", models.KindFall)
	require.NoError(t, err)
	require.NotNil(t, fall)

	_, err = f.escalation.Act(ctx, models.Actor{ID: "p1", Role: models.RoleUser}, fall.ID, "CANCEL")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	geo, err := f.escalation.RaiseAlert(ctx, "p1", models.KindGeofenceExit)
	require.NoError(t, err)
	assert.Nil(t, geo, "a cancelled alert of another kind still suppresses")

	other, err := f.escalation.RaiseAlert(ctx, "p2", models.KindGeofenceExit)
	require.NoError(t, err)
	assert.NotNil(t, other, "cooldown is per person")
}

func TestRaiseAlert_ConcurrentCallsCreateOne(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.escalation.RaiseAlert(ctx, "p1", models.KindManualSOS)
			assert.NoError(t, err)
			if a != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	list, err := f.store.ListAlertsFor(ctx, []string{"p1"}, 100)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRaiseAlert_NotificationFailureKeepsAlert(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("targets unavailable")

	alert, err := f.escalation.RaiseAlert(context.Background(), "p1", models.KindFall)
	require.NoError(t, err)
	require.NotNil(t, alert)

	stored, err := f.store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, stored.Status)
}

func TestRaiseAlert_UnknownPersonStillNotifies(t *testing.T) {
	f := newFixture()
	alert, err := f.escalation.RaiseAlert(context.Background(), "ghost", models.KindFall)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "ghost", f.notifier.sent[0].person.ID)
}

func TestAct_Transitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alert, err := f.escalation.CreateAlert(ctx, "p1", models.KindFall, t0)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.escalation.Act(ctx, models.Actor{ID: "c1", Role: models.RoleCaregiver}, alert.ID, "confirm")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)
	assert.Equal(t, t0.Add(time.Minute), updated.UpdatedAt)

	// 终态吸收后续操作
	_, err = f.escalation.Act(ctx, models.Actor{ID: "p1", Role: models.RoleUser}, alert.ID, "CANCEL")
	assert.ErrorIs(t, err, ErrAlertClosed)
	stored, _ := f.store.GetAlert(ctx, alert.ID)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestAct_Authorization(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alert, err := f.escalation.CreateAlert(ctx, "p1", models.KindFall, t0)
	require.NoError(t, err)

	cases := []struct {
		name  string
		actor models.Actor
	}{
		{"unlinked caregiver", models.Actor{ID: "c2", Role: models.RoleCaregiver}},
		{"other person", models.Actor{ID: "p2", Role: models.RoleUser}},
		{"unknown role", models.Actor{ID: "p1", Role: models.Role("ADMIN")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.escalation.Act(ctx, tc.actor, alert.ID, "CONFIRM")
			assert.ErrorIs(t, err, ErrForbidden)
		})
	}

	stored, _ := f.store.GetAlert(ctx, alert.ID)
	assert.Equal(t, models.StatusOpen, stored.Status)

	updated, err := f.escalation.Act(ctx, models.Actor{ID: "p1", Role: models.RoleUser}, alert.ID, "CANCEL")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)
}

func TestAct_InputErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := models.Actor{ID: "p1", Role: models.RoleUser}

	_, err := f.escalation.Act(ctx, owner, "not-a-uuid", "SNOOZE")
	assert.ErrorIs(t, err, ErrInvalidAction, "action is validated before the alert is loaded")

	_, err = f.escalation.Act(ctx, owner, "not-a-uuid", "CONFIRM")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = f.escalation.Act(ctx, owner, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", "CONFIRM")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestRecordHeartbeat_CancelsOpenAlerts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a1, err := f.escalation.CreateAlert(ctx, "p1", models.KindInactivity, t0.Add(-2*time.Hour))
	require.NoError(t, err)
	a2, err := f.escalation.CreateAlert(ctx, "p1", models.KindFall, t0)
	require.NoError(t, err)
	_, err = f.escalation.Act(ctx, models.Actor{ID: "c1", Role: models.RoleCaregiver}, a1.ID, "CONFIRM")
	require.NoError(t, err)

	hbTime := t0.Add(-time.Minute)
	res, err := f.escalation.RecordHeartbeat(ctx, "p1", hbTime)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, hbTime, res.Received)
	assert.Equal(t, hbTime.Add(45*time.Minute), res.NextExpected)

	stored1, _ := f.store.GetAlert(ctx, a1.ID)
	stored2, _ := f.store.GetAlert(ctx, a2.ID)
	assert.Equal(t, models.StatusConfirmed, stored1.Status, "terminal alerts are untouched")
	assert.Equal(t, models.StatusCancelled, stored2.Status)

	hb, err := f.store.LatestHeartbeat(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, hbTime, hb.Timestamp)
}

func TestRecordHeartbeat_NoOpenAlerts(t *testing.T) {
	f := newFixture()
	res, err := f.escalation.RecordHeartbeat(context.Background(), "p1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cancelled)
	assert.Equal(t, t0, res.Received, "zero timestamp defaults to now")
}

func TestRecordHeartbeat_ClampsFutureTimestamp(t *testing.T) {
	f := newFixture()
	res, err := f.escalation.RecordHeartbeat(context.Background(), "p1", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0, res.Received)
}

func TestRecordHeartbeat_RequiresPerson(t *testing.T) {
	f := newFixture()
	_, err := f.escalation.RecordHeartbeat(context.Background(), "", t0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// 同一人员的心跳与报警按完成顺序生效
func TestHeartbeatAfterAlertLeavesNoOpenAlert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alert, err := f.escalation.CreateAlert(ctx, "p1", models.KindFall, t0)
	require.NoError(t, err)
	_, err = f.escalation.RecordHeartbeat(ctx, "p1", t0)
	require.NoError(t, err)

	var open []models.Alert
	require.NoError(t, f.store.InPersonScope(ctx, "p1", func(l repository.Ledger) error {
		var err error
		open, err = l.OpenAlertsFor(ctx, "p1")
		return err
	}))
	assert.Empty(t, open)

	stored, _ := f.store.GetAlert(ctx, alert.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestCreateAlert_StoresCanonicalKind(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alert, err := f.escalation.CreateAlert(ctx, "p1", models.AlertKind("fall"), t0)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, models.KindFall, alert.Kind)

	stored, err := f.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindFall, stored.Kind)
}

func TestCreateInactivityAlert_RechecksHeartbeatInScope(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.heartbeatAt("p1", t0.Add(-time.Hour))

	alert, active, err := f.escalation.CreateInactivityAlert(ctx, "p1", 8*time.Hour, t0)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Nil(t, alert)

	alert, active, err = f.escalation.CreateInactivityAlert(ctx, "p1", 30*time.Minute, t0)
	require.NoError(t, err)
	assert.False(t, active)
	require.NotNil(t, alert)
	assert.Equal(t, models.KindInactivity, alert.Kind)

	alert, active, err = f.escalation.CreateInactivityAlert(ctx, "p1", 30*time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, active)
	assert.Nil(t, alert, "cooldown still applies")
}
