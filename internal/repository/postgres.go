package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Migrate 创建表结构（幂等）
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// querier *sql.DB 与 *sql.Tx 的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const alertColumns = `id, user_id, kind, status, created_at, updated_at, fallback_notified_at`

var _ Store = (*PostgresStore)(nil)

// PostgresStore PostgreSQL 存储
type PostgresStore struct {
	db     *sql.DB
	ledger *pgLedger
	logger *zap.Logger
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		ledger: &pgLedger{q: db},
		logger: logger,
	}
}

// InPersonScope 在事务内持有人员级 advisory lock 执行 fn
func (s *PostgresStore) InPersonScope(ctx context.Context, personID string, fn func(Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("Failed to rollback transaction",
				zap.String("person_id", personID),
				zap.Error(err),
			)
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, personID); err != nil {
		return fmt.Errorf("failed to acquire person lock: %w", err)
	}
	if err := fn(&pgLedger{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListMonitoredPersons 全部被监护人（role = USER）
func (s *PostgresStore) ListMonitoredPersons(ctx context.Context) ([]models.Person, error) {
	query := `
		SELECT u.id, u.email, COALESCE(p.name, ''), COALESCE(p.risk_level, 'standard')
		FROM users u
		LEFT JOIN profiles p ON p.user_id = u.id
		WHERE u.role = 'USER'
		ORDER BY u.id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored persons: %w", err)
	}
	defer rows.Close()

	var persons []models.Person
	for rows.Next() {
		var p models.Person
		var risk string
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &risk); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		p.RiskTier = models.ParseRiskTier(risk)
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// GetPerson 获取被监护人
func (s *PostgresStore) GetPerson(ctx context.Context, personID string) (*models.Person, error) {
	query := `
		SELECT u.id, u.email, COALESCE(p.name, ''), COALESCE(p.risk_level, 'standard')
		FROM users u
		LEFT JOIN profiles p ON p.user_id = u.id
		WHERE u.id = $1
	`
	var p models.Person
	var risk string
	err := s.db.QueryRowContext(ctx, query, personID).Scan(&p.ID, &p.Email, &p.Name, &risk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("person %s: %w", personID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}
	p.RiskTier = models.ParseRiskTier(risk)
	return &p, nil
}

// LatestHeartbeat 最近一次心跳
func (s *PostgresStore) LatestHeartbeat(ctx context.Context, personID string) (*models.Heartbeat, error) {
	return s.ledger.LatestHeartbeat(ctx, personID)
}

// GetAlert 获取报警
func (s *PostgresStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	return s.ledger.GetAlert(ctx, alertID)
}

// ListAlertsFor 多个被监护人的报警，按创建时间倒序
func (s *PostgresStore) ListAlertsFor(ctx context.Context, personIDs []string, limit int) ([]models.Alert, error) {
	if len(personIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(personIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return scanAlerts(rows)
}

// OpenAlertsOlderThan 待电话兜底的报警
func (s *PostgresStore) OpenAlertsOlderThan(ctx context.Context, cutoff time.Time) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE status = 'OPEN'
		  AND created_at <= $1
		  AND fallback_notified_at IS NULL
		ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	return scanAlerts(rows)
}

// MarkFallbackNotified 条件更新 fallback_notified_at
func (s *PostgresStore) MarkFallbackNotified(ctx context.Context, alertID string, at time.Time) (bool, error) {
	query := `
		UPDATE alerts
		SET fallback_notified_at = $2
		WHERE id = $1
		  AND status = 'OPEN'
		  AND fallback_notified_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, alertID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark fallback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark fallback: %w", err)
	}
	return n == 1, nil
}

// CaregiversOf 被监护人关联的照护人
func (s *PostgresStore) CaregiversOf(ctx context.Context, personID string) ([]string, error) {
	query := `SELECT caregiver_id FROM caregiver_links WHERE user_id = $1 ORDER BY created_at, caregiver_id`
	rows, err := s.db.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list caregivers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan caregiver: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsLinked 照护人是否关联该被监护人
func (s *PostgresStore) IsLinked(ctx context.Context, personID, caregiverID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM caregiver_links WHERE user_id = $1 AND caregiver_id = $2)`
	var linked bool
	if err := s.db.QueryRowContext(ctx, query, personID, caregiverID).Scan(&linked); err != nil {
		return false, fmt.Errorf("failed to check link: %w", err)
	}
	return linked, nil
}

// NotificationTargetsOf 照护人的推送 token 与电话
func (s *PostgresStore) NotificationTargetsOf(ctx context.Context, personID string) ([]models.NotificationTarget, error) {
	query := `
		SELECT l.caregiver_id, COALESCE(c.phone_number, ''), t.token
		FROM caregiver_links l
		LEFT JOIN caregiver_contacts c ON c.caregiver_id = l.caregiver_id
		LEFT JOIN device_tokens t ON t.user_id = l.caregiver_id
		WHERE l.user_id = $1
		ORDER BY l.created_at, l.caregiver_id, t.updated_at
	`
	rows, err := s.db.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification targets: %w", err)
	}
	defer rows.Close()

	var targets []models.NotificationTarget
	index := make(map[string]int)
	for rows.Next() {
		var caregiverID, phone string
		var token sql.NullString
		if err := rows.Scan(&caregiverID, &phone, &token); err != nil {
			return nil, fmt.Errorf("failed to scan notification target: %w", err)
		}
		i, ok := index[caregiverID]
		if !ok {
			i = len(targets)
			index[caregiverID] = i
			targets = append(targets, models.NotificationTarget{CaregiverID: caregiverID, Phone: phone})
		}
		if token.Valid && token.String != "" {
			targets[i].Tokens = append(targets[i].Tokens, token.String)
		}
	}
	return targets, rows.Err()
}

// FindUserByEmail 按邮箱查找账号（大小写不敏感）
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, role FROM users WHERE lower(email) = lower($1)`
	var u models.User
	var role string
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(email)).Scan(&u.ID, &u.Email, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u.Role, err = models.ParseRole(role); err != nil {
		return nil, err
	}
	return &u, nil
}

// LinkCaregiver 建立关联（重复关联忽略）
func (s *PostgresStore) LinkCaregiver(ctx context.Context, personID, caregiverID string) error {
	query := `
		INSERT INTO caregiver_links (user_id, caregiver_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, caregiver_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, personID, caregiverID); err != nil {
		return fmt.Errorf("failed to link caregiver: %w", err)
	}
	return nil
}

// LinkedPersons 关联的对方账号
func (s *PostgresStore) LinkedPersons(ctx context.Context, userID string, role models.Role) ([]models.User, error) {
	var query string
	switch role {
	case models.RoleUser:
		query = `
			SELECT u.id, u.email, u.role
			FROM caregiver_links l
			JOIN users u ON u.id = l.caregiver_id
			WHERE l.user_id = $1
			ORDER BY l.created_at, u.id
		`
	case models.RoleCaregiver:
		query = `
			SELECT u.id, u.email, u.role
			FROM caregiver_links l
			JOIN users u ON u.id = l.user_id
			WHERE l.caregiver_id = $1
			ORDER BY l.created_at, u.id
		`
	default:
		return nil, fmt.Errorf("unsupported role %q", role)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked persons: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var r string
		if err := rows.Scan(&u.ID, &u.Email, &r); err != nil {
			return nil, fmt.Errorf("failed to scan linked person: %w", err)
		}
		u.Role = models.Role(r)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetCaregiverPhone 写入照护人电话
func (s *PostgresStore) SetCaregiverPhone(ctx context.Context, caregiverID, phone string) error {
	query := `
		INSERT INTO caregiver_contacts (caregiver_id, phone_number, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (caregiver_id) DO UPDATE
		SET phone_number = EXCLUDED.phone_number, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, caregiverID, phone); err != nil {
		return fmt.Errorf("failed to set caregiver phone: %w", err)
	}
	return nil
}

// CaregiverPhone 读取照护人电话
func (s *PostgresStore) CaregiverPhone(ctx context.Context, caregiverID string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, `SELECT phone_number FROM caregiver_contacts WHERE caregiver_id = $1`, caregiverID).Scan(&phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("contact of %s: %w", caregiverID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get caregiver phone: %w", err)
	}
	return phone, nil
}

// RegisterDeviceToken 登记推送 token，token 换绑时归属新用户
func (s *PostgresStore) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	query := `
		INSERT INTO device_tokens (token, user_id, platform, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, token, userID, platform); err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// UpsertSafeZone 写入或覆盖安全区域
func (s *PostgresStore) UpsertSafeZone(ctx context.Context, zone models.SafeZone) (*models.SafeZone, error) {
	query := `
		INSERT INTO safe_zones (user_id, latitude, longitude, radius_meters, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			radius_meters = EXCLUDED.radius_meters, updated_at = now()
		RETURNING id, user_id, latitude, longitude, radius_meters, updated_at
	`
	var z models.SafeZone
	err := s.db.QueryRowContext(ctx, query, zone.PersonID, zone.Latitude, zone.Longitude, zone.RadiusMeters).
		Scan(&z.ID, &z.PersonID, &z.Latitude, &z.Longitude, &z.RadiusMeters, &z.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert safe zone: %w", err)
	}
	return &z, nil
}

// SafeZones 被监护人的安全区域
func (s *PostgresStore) SafeZones(ctx context.Context, personID string) ([]models.SafeZone, error) {
	query := `SELECT id, user_id, latitude, longitude, radius_meters, updated_at FROM safe_zones WHERE user_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list safe zones: %w", err)
	}
	defer rows.Close()

	var zones []models.SafeZone
	for rows.Next() {
		var z models.SafeZone
		if err := rows.Scan(&z.ID, &z.PersonID, &z.Latitude, &z.Longitude, &z.RadiusMeters, &z.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan safe zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// Ping 健康检查
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// pgLedger Ledger 的 PostgreSQL 实现，事务内外共用
type pgLedger struct {
	q querier
}

func (l *pgLedger) AlertsSince(ctx context.Context, personID string, since time.Time) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	rows, err := l.q.QueryContext(ctx, query, personID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (l *pgLedger) OpenAlertsFor(ctx context.Context, personID string) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1 AND status = 'OPEN'
		ORDER BY created_at`
	rows, err := l.q.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (l *pgLedger) InsertAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, user_id, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.q.ExecContext(ctx, query,
		alert.ID, alert.PersonID, string(alert.Kind), string(alert.Status), alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (l *pgLedger) SetAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, at time.Time) (bool, error) {
	query := `UPDATE alerts SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'OPEN'`
	res, err := l.q.ExecContext(ctx, query, alertID, string(status), at)
	if err != nil {
		return false, fmt.Errorf("failed to update alert status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update alert status: %w", err)
	}
	return n == 1, nil
}

func (l *pgLedger) CancelAllOpen(ctx context.Context, personID string, upTo, at time.Time) (int, error) {
	query := `
		UPDATE alerts
		SET status = 'CANCELLED', updated_at = $3
		WHERE user_id = $1 AND status = 'OPEN' AND created_at <= $2
	`
	res, err := l.q.ExecContext(ctx, query, personID, upTo, at)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open alerts: %w", err)
	}
	return int(n), nil
}

func (l *pgLedger) InsertHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	if _, err := l.q.ExecContext(ctx, `INSERT INTO heartbeats (user_id, ts) VALUES ($1, $2)`, hb.PersonID, hb.Timestamp); err != nil {
		return fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	return nil
}

func (l *pgLedger) LatestHeartbeat(ctx context.Context, personID string) (*models.Heartbeat, error) {
	query := `SELECT ts FROM heartbeats WHERE user_id = $1 ORDER BY ts DESC LIMIT 1`
	var ts time.Time
	err := l.q.QueryRowContext(ctx, query, personID).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest heartbeat: %w", err)
	}
	return &models.Heartbeat{PersonID: personID, Timestamp: ts}, nil
}

func (l *pgLedger) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	alert, err := scanAlert(l.q.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var kind, status string
	var fallback sql.NullTime
	if err := row.Scan(&a.ID, &a.PersonID, &kind, &status, &a.CreatedAt, &a.UpdatedAt, &fallback); err != nil {
		return nil, err
	}
	var err error
	if a.Kind, err = models.ParseAlertKind(kind); err != nil {
		return nil, err
	}
	if a.Status, err = models.ParseAlertStatus(status); err != nil {
		return nil, err
	}
	if fallback.Valid {
		t := fallback.Time
		a.FallbackNotifiedAt = &t
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]models.Alert, error) {
	defer rows.Close()
	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}
