package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wisefido-guardian/internal/models"
)

type memLink struct {
	personID    string
	caregiverID string
}

type memToken struct {
	userID    string
	platform  string
	updatedAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore 内存存储，仅用于单实例部署与测试
// 人员作用域内 fn 失败不会回滚已执行的写入
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]models.User
	persons    map[string]models.Person
	links      []memLink
	heartbeats map[string][]time.Time
	alerts     map[string]*models.Alert
	tokens     map[string]memToken
	phones     map[string]string
	zones      map[string]models.SafeZone
	zoneSeq    int64

	scopes *keyedMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]models.User),
		persons:    make(map[string]models.Person),
		heartbeats: make(map[string][]time.Time),
		alerts:     make(map[string]*models.Alert),
		tokens:     make(map[string]memToken),
		phones:     make(map[string]string),
		zones:      make(map[string]models.SafeZone),
		scopes:     newKeyedMutex(),
	}
}

// AddPerson 添加被监护人账号
func (s *MemoryStore) AddPerson(p models.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.RiskTier == "" {
		p.RiskTier = models.RiskStandard
	}
	s.users[p.ID] = models.User{ID: p.ID, Email: p.Email, Role: models.RoleUser}
	s.persons[p.ID] = p
}

// AddCaregiver 添加照护人账号
func (s *MemoryStore) AddCaregiver(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = models.User{ID: id, Email: email, Role: models.RoleCaregiver}
}

// InPersonScope 持有人员级互斥锁执行 fn
func (s *MemoryStore) InPersonScope(ctx context.Context, personID string, fn func(Ledger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.scopes.Lock(personID)
	defer unlock()
	return fn(&memLedger{s: s})
}

func (s *MemoryStore) ListMonitoredPersons(_ context.Context) ([]models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	persons := make([]models.Person, 0, len(s.persons))
	for _, p := range s.persons {
		persons = append(persons, p)
	}
	sort.Slice(persons, func(i, j int) bool { return persons[i].ID < persons[j].ID })
	return persons, nil
}

func (s *MemoryStore) GetPerson(_ context.Context, personID string) (*models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[personID]
	if !ok {
		return nil, fmt.Errorf("person %s: %w", personID, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) LatestHeartbeat(ctx context.Context, personID string) (*models.Heartbeat, error) {
	return (&memLedger{s: s}).LatestHeartbeat(ctx, personID)
}

func (s *MemoryStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	return (&memLedger{s: s}).GetAlert(ctx, alertID)
}

func (s *MemoryStore) ListAlertsFor(_ context.Context, personIDs []string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	wanted := make(map[string]bool, len(personIDs))
	for _, id := range personIDs {
		wanted[id] = true
	}
	alerts := s.selectAlerts(func(a *models.Alert) bool { return wanted[a.PersonID] })
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *MemoryStore) OpenAlertsOlderThan(_ context.Context, cutoff time.Time) ([]models.Alert, error) {
	alerts := s.selectAlerts(func(a *models.Alert) bool {
		return a.Status == models.StatusOpen && !a.CreatedAt.After(cutoff) && a.FallbackNotifiedAt == nil
	})
	sortByCreated(alerts)
	return alerts, nil
}

func (s *MemoryStore) MarkFallbackNotified(_ context.Context, alertID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.Status != models.StatusOpen || a.FallbackNotifiedAt != nil {
		return false, nil
	}
	mark := at
	a.FallbackNotifiedAt = &mark
	return true, nil
}

func (s *MemoryStore) CaregiversOf(_ context.Context, personID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, l := range s.links {
		if l.personID == personID {
			ids = append(ids, l.caregiverID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) IsLinked(_ context.Context, personID, caregiverID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.personID == personID && l.caregiverID == caregiverID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) NotificationTargetsOf(ctx context.Context, personID string) ([]models.NotificationTarget, error) {
	caregivers, err := s.CaregiversOf(ctx, personID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]models.NotificationTarget, 0, len(caregivers))
	for _, id := range caregivers {
		target := models.NotificationTarget{CaregiverID: id, Phone: s.phones[id]}
		type owned struct {
			token string
			at    time.Time
		}
		var tokens []owned
		for token, t := range s.tokens {
			if t.userID == id {
				tokens = append(tokens, owned{token: token, at: t.updatedAt})
			}
		}
		sort.Slice(tokens, func(i, j int) bool {
			if tokens[i].at.Equal(tokens[j].at) {
				return tokens[i].token < tokens[j].token
			}
			return tokens[i].at.Before(tokens[j].at)
		})
		for _, t := range tokens {
			target.Tokens = append(target.Tokens, t.token)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.TrimSpace(email)
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			u := u
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (s *MemoryStore) LinkCaregiver(_ context.Context, personID, caregiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.personID == personID && l.caregiverID == caregiverID {
			return nil
		}
	}
	s.links = append(s.links, memLink{personID: personID, caregiverID: caregiverID})
	return nil
}

func (s *MemoryStore) LinkedPersons(_ context.Context, userID string, role models.Role) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []models.User
	for _, l := range s.links {
		var other string
		switch role {
		case models.RoleUser:
			if l.personID != userID {
				continue
			}
			other = l.caregiverID
		case models.RoleCaregiver:
			if l.caregiverID != userID {
				continue
			}
			other = l.personID
		default:
			return nil, fmt.Errorf("unsupported role %q", role)
		}
		if u, ok := s.users[other]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *MemoryStore) SetCaregiverPhone(_ context.Context, caregiverID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[caregiverID] = phone
	return nil
}

func (s *MemoryStore) CaregiverPhone(_ context.Context, caregiverID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phone, ok := s.phones[caregiverID]
	if !ok {
		return "", fmt.Errorf("contact of %s: %w", caregiverID, ErrNotFound)
	}
	return phone, nil
}

func (s *MemoryStore) RegisterDeviceToken(_ context.Context, userID, token, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = memToken{userID: userID, platform: platform, updatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) UpsertSafeZone(_ context.Context, zone models.SafeZone) (*models.SafeZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.zones[zone.PersonID]; ok {
		zone.ID = existing.ID
	} else {
		s.zoneSeq++
		zone.ID = s.zoneSeq
	}
	zone.UpdatedAt = time.Now().UTC()
	s.zones[zone.PersonID] = zone
	return &zone, nil
}

func (s *MemoryStore) SafeZones(_ context.Context, personID string) ([]models.SafeZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if z, ok := s.zones[personID]; ok {
		return []models.SafeZone{z}, nil
	}
	return nil, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) selectAlerts(match func(*models.Alert) bool) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if match(a) {
			out = append(out, copyAlert(a))
		}
	}
	return out
}

func copyAlert(a *models.Alert) models.Alert {
	c := *a
	if a.FallbackNotifiedAt != nil {
		t := *a.FallbackNotifiedAt
		c.FallbackNotifiedAt = &t
	}
	return c
}

func sortByCreated(alerts []models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
}

// memLedger Ledger 的内存实现
type memLedger struct {
	s *MemoryStore
}

func (l *memLedger) AlertsSince(_ context.Context, personID string, since time.Time) ([]models.Alert, error) {
	alerts := l.s.selectAlerts(func(a *models.Alert) bool {
		return a.PersonID == personID && !a.CreatedAt.Before(since)
	})
	sortByCreated(alerts)
	return alerts, nil
}

func (l *memLedger) OpenAlertsFor(_ context.Context, personID string) ([]models.Alert, error) {
	alerts := l.s.selectAlerts(func(a *models.Alert) bool {
		return a.PersonID == personID && a.Status == models.StatusOpen
	})
	sortByCreated(alerts)
	return alerts, nil
}

func (l *memLedger) InsertAlert(_ context.Context, alert *models.Alert) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, exists := l.s.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	stored := copyAlert(alert)
	l.s.alerts[alert.ID] = &stored
	return nil
}

func (l *memLedger) SetAlertStatus(_ context.Context, alertID string, status models.AlertStatus, at time.Time) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	a, ok := l.s.alerts[alertID]
	if !ok || a.Status != models.StatusOpen {
		return false, nil
	}
	a.Status = status
	a.UpdatedAt = at
	return true, nil
}

func (l *memLedger) CancelAllOpen(_ context.Context, personID string, upTo, at time.Time) (int, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	n := 0
	for _, a := range l.s.alerts {
		if a.PersonID == personID && a.Status == models.StatusOpen && !a.CreatedAt.After(upTo) {
			a.Status = models.StatusCancelled
			a.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (l *memLedger) InsertHeartbeat(_ context.Context, hb models.Heartbeat) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.heartbeats[hb.PersonID] = append(l.s.heartbeats[hb.PersonID], hb.Timestamp)
	return nil
}

func (l *memLedger) LatestHeartbeat(_ context.Context, personID string) (*models.Heartbeat, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	var latest time.Time
	for _, ts := range l.s.heartbeats[personID] {
		if ts.After(latest) {
			latest = ts
		}
	}
	if latest.IsZero() {
		return nil, nil
	}
	return &models.Heartbeat{PersonID: personID, Timestamp: latest}, nil
}

func (l *memLedger) GetAlert(_ context.Context, alertID string) (*models.Alert, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	a, ok := l.s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	c := copyAlert(a)
	return &c, nil
}

// keyedMutex 按 key 加锁，无人等待时释放条目
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
