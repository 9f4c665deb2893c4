// Package pg implements store.Store on PostgreSQL through database/sql and
// lib/pq. Uniqueness and atomic counters are enforced by the database.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// MessageStore

const messageCols = `id, tenant_id, contact_id, wa_message_id, direction, type, body, media_url, media_type, file_name, ack, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.WaMessageID, &m.Direction, &m.Type,
		&m.Body, &m.MediaURL, &m.MediaType, &m.FileName, &m.Ack, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) FindMessage(ctx context.Context, tenantID, waMessageID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE tenant_id = $1 AND wa_message_id = $2`,
		tenantID, waMessageID)
	return scanMessage(row)
}

func (s *Store) UpsertMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (`+messageCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, wa_message_id) DO UPDATE SET
			contact_id = EXCLUDED.contact_id,
			direction  = EXCLUDED.direction,
			type       = EXCLUDED.type,
			body       = EXCLUDED.body,
			created_at = EXCLUDED.created_at,
			media_url  = CASE WHEN EXCLUDED.media_url <> '' THEN EXCLUDED.media_url ELSE messages.media_url END,
			media_type = CASE WHEN EXCLUDED.media_url <> '' THEN EXCLUDED.media_type ELSE messages.media_type END,
			file_name  = CASE WHEN EXCLUDED.media_url <> '' THEN EXCLUDED.file_name ELSE messages.file_name END,
			ack        = GREATEST(messages.ack, EXCLUDED.ack)
		RETURNING `+messageCols,
		uuid.NewString(), m.TenantID, m.ContactID, m.WaMessageID, m.Direction, m.Type,
		m.Body, m.MediaURL, m.MediaType, m.FileName, m.Ack, m.CreatedAt)
	out, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("upsert message %s: %w", m.WaMessageID, err)
	}
	return out, nil
}

func (s *Store) UpdateAck(ctx context.Context, tenantID, waMessageID string, ack int) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET ack = GREATEST(ack, $3)
		WHERE tenant_id = $1 AND wa_message_id = $2
		RETURNING `+messageCols,
		tenantID, waMessageID, ack)
	return scanMessage(row)
}

func (s *Store) LatestMessageTime(ctx context.Context, tenantID, direction string) (time.Time, bool, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT max(created_at) FROM messages WHERE tenant_id = $1 AND ($2 = '' OR direction = $2)`,
		tenantID, direction).Scan(&latest)
	if err != nil {
		return time.Time{}, false, err
	}
	return latest.Time, latest.Valid, nil
}

// ContactStore

const contactCols = `id, tenant_id, phone, name, stage, assigned_to, last_message_at, created_at`

func scanContact(row interface{ Scan(...any) error }, extra ...any) (*store.Contact, error) {
	var c store.Contact
	var assigned sql.NullString
	dest := append([]any{&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.Stage, &assigned, &c.LastMessageAt, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, notFound(err)
	}
	c.AssignedTo = assigned.String
	return &c, nil
}

// UpsertContact relies on ON CONFLICT so racing first contacts converge on
// one row; xmax = 0 only for the inserting transaction.
func (s *Store) UpsertContact(ctx context.Context, tenantID, phone string, at time.Time) (*store.Contact, bool, error) {
	var inserted bool
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, stage, last_message_at)
		VALUES ($1, $2, $3, 'lead', $4)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING `+contactCols+`, (xmax = 0) AS inserted`,
		uuid.NewString(), tenantID, phone, at)
	c, err := scanContact(row, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert contact: %w", err)
	}
	return c, inserted, nil
}

func (s *Store) GetContact(ctx context.Context, tenantID, contactID string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactCols+` FROM contacts WHERE tenant_id = $1 AND id = $2`, tenantID, contactID)
	return scanContact(row)
}

func (s *Store) AssignContact(ctx context.Context, tenantID, contactID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET assigned_to = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, contactID, userID)
	return affected(res, err)
}

func (s *Store) BumpLastMessage(ctx context.Context, tenantID, contactID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET last_message_at = GREATEST(last_message_at, $3) WHERE tenant_id = $1 AND id = $2`,
		tenantID, contactID, at)
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TenantStore

func (s *Store) DistributionStrategy(ctx context.Context, tenantID string) (store.DistributionStrategy, error) {
	var strategy string
	err := s.db.QueryRowContext(ctx,
		`SELECT distribution_strategy FROM tenants WHERE id = $1`, tenantID).Scan(&strategy)
	if err != nil {
		return "", notFound(err)
	}
	return store.DistributionStrategy(strategy), nil
}

func (s *Store) IncrementLeadCounter(ctx context.Context, tenantID string) (int64, error) {
	var prev int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE tenants SET lead_counter = lead_counter + 1 WHERE id = $1 RETURNING lead_counter - 1`,
		tenantID).Scan(&prev)
	if err != nil {
		return 0, notFound(err)
	}
	return prev, nil
}

// UserStore

func (s *Store) ActiveSalesUsers(ctx context.Context, tenantID string) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, role, active, created_at FROM users
		WHERE tenant_id = $1 AND role = $2 AND active
		ORDER BY created_at, id`, tenantID, store.RoleSales)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Name, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AccountStore

const accountCols = `tenant_id, session_name, phone, active, last_connected`

func scanAccount(row interface{ Scan(...any) error }) (*store.Account, error) {
	var a store.Account
	var last sql.NullTime
	if err := row.Scan(&a.TenantID, &a.SessionName, &a.Phone, &a.Active, &last); err != nil {
		return nil, notFound(err)
	}
	a.LastConnected = last.Time
	return &a, nil
}

func (s *Store) FindActiveAccount(ctx context.Context, tenantID string) (*store.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM whatsapp_accounts WHERE tenant_id = $1 AND active`, tenantID)
	return scanAccount(row)
}

func (s *Store) ActiveAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM whatsapp_accounts WHERE active ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) MarkConnected(ctx context.Context, tenantID, phone string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE whatsapp_accounts
		SET last_connected = $3, phone = CASE WHEN $2 <> '' THEN $2 ELSE phone END
		WHERE tenant_id = $1`, tenantID, phone, at)
	return affected(res, err)
}

// FollowUpStore

const followUpCols = `id, tenant_id, contact_id, template_id, started_by, current_step, send_at`

func scanFollowUp(row interface{ Scan(...any) error }) (*store.FollowUp, error) {
	var f store.FollowUp
	if err := row.Scan(&f.ID, &f.TenantID, &f.ContactID, &f.TemplateID, &f.StartedBy, &f.CurrentStep, &f.SendAt); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (s *Store) ActiveFollowUp(ctx context.Context, tenantID, contactID string) (*store.FollowUp, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+followUpCols+` FROM active_followups WHERE tenant_id = $1 AND contact_id = $2`,
		tenantID, contactID)
	return scanFollowUp(row)
}

func (s *Store) DeleteFollowUp(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_followups WHERE id = $1`, id)
	return err
}

func (s *Store) DueFollowUps(ctx context.Context, now time.Time, limit int) ([]store.FollowUp, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+followUpCols+` FROM active_followups WHERE send_at <= $1 ORDER BY send_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceFollowUp(ctx context.Context, id string, step int, sendAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_followups SET current_step = $2, send_at = $3 WHERE id = $1`, id, step, sendAt)
	return affected(res, err)
}

type stepRow struct {
	DelayHours float64 `json:"delay"`
	Message    string  `json:"message"`
}

func (s *Store) FollowUpTemplate(ctx context.Context, tenantID, templateID string) (*store.FollowUpTemplate, error) {
	var (
		t   store.FollowUpTemplate
		raw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, steps FROM followup_templates WHERE tenant_id = $1 AND id = $2`,
		tenantID, templateID).Scan(&t.ID, &t.TenantID, &t.Name, &raw)
	if err != nil {
		return nil, notFound(err)
	}
	var steps []stepRow
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode template %s steps: %w", templateID, err)
	}
	for _, st := range steps {
		t.Steps = append(t.Steps, store.FollowUpStep{
			Delay:   time.Duration(st.DelayHours * float64(time.Hour)),
			Message: st.Message,
		})
	}
	return &t, nil
}
