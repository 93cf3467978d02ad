package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hookbridge/hookbridge/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			events TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			auth_mode TEXT NOT NULL DEFAULT 'none',
			secret TEXT NOT NULL DEFAULT '',
			auth_token TEXT NOT NULL DEFAULT '',
			oauth TEXT NOT NULL DEFAULT '{}',
			headers TEXT NOT NULL DEFAULT '{}',
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			initial_delay_ms INTEGER NOT NULL DEFAULT 30000,
			backoff_multiplier REAL NOT NULL DEFAULT 2,
			max_delay_ms INTEGER NOT NULL DEFAULT 7200000,
			rate_per_hour INTEGER NOT NULL DEFAULT 0,
			rate_per_day INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			filter_expr TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(webhook_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			webhook_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			request_body TEXT NOT NULL DEFAULT '',
			request_headers TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			response_headers TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			escalation TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL DEFAULT 0,
			threshold REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_api_key ON applications(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_app ON webhooks(app_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_app ON events(app_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries(webhook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at) WHERE status IN ('pending', 'retrying')`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON attempts(delivery_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_webhook_time ON attempts(webhook_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_webhook ON alerts(webhook_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Applications ---

func (s *SQLiteStore) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (id, name, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.APIKey, app.CreatedAt, app.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	var app models.Application
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM applications WHERE id = ?`, id,
	).Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &app, err
}

func (s *SQLiteStore) GetApplicationByAPIKey(ctx context.Context, apiKey string) (*models.Application, error) {
	var app models.Application
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM applications WHERE api_key = ?`, apiKey,
	).Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &app, err
}

func (s *SQLiteStore) ListApplications(ctx context.Context) ([]models.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key, created_at, updated_at FROM applications ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		var app models.Application
		if err := rows.Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *SQLiteStore) DeleteApplication(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) UpdateApplicationAPIKey(ctx context.Context, id, newKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE applications SET api_key = ?, updated_at = ? WHERE id = ?`,
		newKey, time.Now().UTC(), id,
	)
	return err
}

// --- Webhooks ---

const webhookColumns = `id, app_id, name, url, description, events, active, auth_mode, secret, auth_token, oauth, headers,
	timeout_ms, max_retries, initial_delay_ms, backoff_multiplier, max_delay_ms, rate_per_hour, rate_per_day, priority, filter_expr,
	created_at, updated_at`

func (s *SQLiteStore) CreateWebhook(ctx context.Context, wh *models.Webhook) error {
	events, _ := json.Marshal(wh.Events)
	headers, _ := json.Marshal(wh.Headers)
	oauth, _ := json.Marshal(wh.OAuth)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.AppID, wh.Name, wh.URL, wh.Description, string(events), boolToInt(wh.Active),
		string(wh.AuthMode), wh.Secret, wh.AuthToken, string(oauth), string(headers),
		wh.Timeout.Milliseconds(),
		wh.Retry.MaxRetries, wh.Retry.InitialDelay.Milliseconds(), wh.Retry.BackoffMultiplier, wh.Retry.MaxDelay.Milliseconds(),
		wh.RateLimit.PerHour, wh.RateLimit.PerDay, wh.Priority, wh.FilterExpr,
		wh.CreatedAt, wh.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var wh models.Webhook
	var events, headers, oauth, authMode string
	var active int
	var timeoutMs, initialMs, maxMs int64
	err := row.Scan(&wh.ID, &wh.AppID, &wh.Name, &wh.URL, &wh.Description, &events, &active,
		&authMode, &wh.Secret, &wh.AuthToken, &oauth, &headers,
		&timeoutMs,
		&wh.Retry.MaxRetries, &initialMs, &wh.Retry.BackoffMultiplier, &maxMs,
		&wh.RateLimit.PerHour, &wh.RateLimit.PerDay, &wh.Priority, &wh.FilterExpr,
		&wh.CreatedAt, &wh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &wh.Events)
	json.Unmarshal([]byte(headers), &wh.Headers)
	json.Unmarshal([]byte(oauth), &wh.OAuth)
	wh.AuthMode = models.AuthMode(authMode)
	wh.Active = active == 1
	wh.Timeout = time.Duration(timeoutMs) * time.Millisecond
	wh.Retry.InitialDelay = time.Duration(initialMs) * time.Millisecond
	wh.Retry.MaxDelay = time.Duration(maxMs) * time.Millisecond
	return &wh, nil
}

func (s *SQLiteStore) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	wh, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wh, err
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context, appID string) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE app_id = ? ORDER BY created_at DESC`, appID)
}

func (s *SQLiteStore) ListActiveWebhooks(ctx context.Context, appID string) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE app_id = ? AND active = 1
		 ORDER BY priority DESC, created_at ASC`, appID)
}

func (s *SQLiteStore) ListAllActiveWebhooks(ctx context.Context) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE active = 1
		 ORDER BY priority DESC, created_at ASC`)
}

func (s *SQLiteStore) queryWebhooks(ctx context.Context, query string, args ...interface{}) ([]models.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []models.Webhook
	for rows.Next() {
		wh, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, *wh)
	}
	return webhooks, rows.Err()
}

func (s *SQLiteStore) UpdateWebhook(ctx context.Context, wh *models.Webhook) error {
	events, _ := json.Marshal(wh.Events)
	headers, _ := json.Marshal(wh.Headers)
	oauth, _ := json.Marshal(wh.OAuth)
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET name = ?, url = ?, description = ?, events = ?, active = ?, auth_mode = ?, secret = ?,
			auth_token = ?, oauth = ?, headers = ?, timeout_ms = ?, max_retries = ?, initial_delay_ms = ?, backoff_multiplier = ?,
			max_delay_ms = ?, rate_per_hour = ?, rate_per_day = ?, priority = ?, filter_expr = ?, updated_at = ?
		 WHERE id = ?`,
		wh.Name, wh.URL, wh.Description, string(events), boolToInt(wh.Active), string(wh.AuthMode), wh.Secret,
		wh.AuthToken, string(oauth), string(headers), wh.Timeout.Milliseconds(), wh.Retry.MaxRetries, wh.Retry.InitialDelay.Milliseconds(),
		wh.Retry.BackoffMultiplier, wh.Retry.MaxDelay.Milliseconds(), wh.RateLimit.PerHour, wh.RateLimit.PerDay,
		wh.Priority, wh.FilterExpr, time.Now().UTC(), wh.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ToggleWebhook(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id)
	return err
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, app_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.AppID, ev.Type, string(ev.Payload), ev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, type, payload, created_at FROM events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.AppID, &ev.Type, &payload, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, appID string, limit, offset int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, type, payload, created_at FROM events WHERE app_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		appID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.AppID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Deliveries ---

const deliveryColumns = `id, webhook_id, event_id, status, attempt_count, next_retry_at, last_error, created_at, updated_at`

func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *models.Delivery) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventID, d.Status, d.AttemptCount, d.NextRetryAt, d.LastError, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.Status, &d.AttemptCount, &d.NextRetryAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) GetDeliveryByWebhookEvent(ctx context.Context, webhookID, eventID string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE webhook_id = ? AND event_id = ?`, webhookID, eventID)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) GetDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE event_id = ? ORDER BY created_at`, eventID)
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.Delivery, error) {
	var conds []string
	var args []interface{}

	query := `SELECT d.` + strings.ReplaceAll(deliveryColumns, ", ", ", d.") + ` FROM deliveries d`
	if f.AppID != "" || f.ErrorKind != "" {
		query = `SELECT DISTINCT d.` + strings.ReplaceAll(deliveryColumns, ", ", ", d.") + ` FROM deliveries d`
	}
	if f.AppID != "" {
		query += ` JOIN webhooks w ON d.webhook_id = w.id`
		conds = append(conds, `w.app_id = ?`)
		args = append(args, f.AppID)
	}
	if f.ErrorKind != "" {
		query += ` JOIN attempts a ON a.delivery_id = d.id`
		conds = append(conds, `a.error_kind = ?`)
		args = append(args, string(f.ErrorKind))
	}
	if f.WebhookID != "" {
		conds = append(conds, `d.webhook_id = ?`)
		args = append(args, f.WebhookID)
	}
	if f.Status != "" {
		conds = append(conds, `d.status = ?`)
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		conds = append(conds, `d.created_at >= ?`)
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		conds = append(conds, `d.created_at <= ?`)
		args = append(args, f.To)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY d.created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.queryDeliveries(ctx, query, args...)
}

func (s *SQLiteStore) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	candidates, err := s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE (status = 'pending') OR (status = 'retrying' AND next_retry_at <= ?)
		 ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, next_retry_at ASC, created_at ASC
		 LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, err
	}

	// Claim each candidate with a compare-and-set on its current status so
	// a concurrent sweeper can never dispatch the same delivery twice.
	claimed := make([]models.Delivery, 0, len(candidates))
	for _, d := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE deliveries SET status = 'attempting', updated_at = ? WHERE id = ? AND status = ?`,
			now, d.ID, d.Status)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			d.Status = models.DeliveryAttempting
			claimed = append(claimed, d)
		}
	}
	return claimed, nil
}

func (s *SQLiteStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		d.Status, d.AttemptCount, d.NextRetryAt, d.LastError, time.Now().UTC(), d.ID,
	)
	return err
}

func (s *SQLiteStore) ReleaseDelivery(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'retrying', next_retry_at = ?, updated_at = ? WHERE id = ? AND status = 'attempting'`,
		nextRetryAt, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// --- Attempts ---

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, delivery_id, webhook_id, event_id, attempt_number, status_code, request_body,
			request_headers, response_body, response_headers, latency_ms, error_kind, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.WebhookID, a.EventID, a.AttemptNumber, a.StatusCode, a.RequestBody,
		a.RequestHeaders, a.ResponseBody, a.ResponseHeaders, a.LatencyMs, string(a.ErrorKind), a.Error, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, webhook_id, event_id, attempt_number, status_code, request_body, request_headers,
			response_body, response_headers, latency_ms, error_kind, error, created_at
		 FROM attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var kind string
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.WebhookID, &a.EventID, &a.AttemptNumber, &a.StatusCode,
			&a.RequestBody, &a.RequestHeaders, &a.ResponseBody, &a.ResponseHeaders, &a.LatencyMs, &kind, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ErrorKind = models.ErrorKind(kind)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Alerts ---

func (s *SQLiteStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, webhook_id, kind, escalation, message, value, threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WebhookID, string(a.Kind), string(a.Escalation), a.Message, a.Value, a.Threshold, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, webhookID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, webhook_id, kind, escalation, message, value, threshold, created_at FROM alerts`
	var args []interface{}
	if webhookID != "" {
		query += ` WHERE webhook_id = ?`
		args = append(args, webhookID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var kind, esc string
		if err := rows.Scan(&a.ID, &a.WebhookID, &kind, &esc, &a.Message, &a.Value, &a.Threshold, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = models.AlertKind(kind)
		a.Escalation = models.EscalationLevel(esc)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- Monitoring aggregates ---

func (s *SQLiteStore) DeliveryMetrics(ctx context.Context, webhookID string, since time.Time) (*Metrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status_code, latency_ms, error_kind FROM attempts WHERE webhook_id = ? AND created_at >= ?`,
		webhookID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := &Metrics{
		WebhookID:  webhookID,
		Since:      since,
		ErrorCodes: map[string]int64{},
	}

	var latencies []int64
	var totalLatency int64
	for rows.Next() {
		var code int
		var latency int64
		var kind string
		if err := rows.Scan(&code, &latency, &kind); err != nil {
			return nil, err
		}
		m.TotalAttempts++
		latencies = append(latencies, latency)
		totalLatency += latency
		if code >= 200 && code < 300 {
			m.SuccessCount++
			continue
		}
		m.FailureCount++
		if kind != "" && kind != string(models.ErrorHTTP) {
			m.ErrorCodes[kind]++
		} else {
			m.ErrorCodes[fmt.Sprintf("%d", code)]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts) * 100
		m.AvgLatencyMs = float64(totalLatency) / float64(m.TotalAttempts)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		idx := (len(latencies)*95 + 99) / 100
		if idx > 0 {
			idx--
		}
		m.P95LatencyMs = latencies[idx]
	}
	return m, nil
}

func (s *SQLiteStore) ConsecutiveAbandoned(ctx context.Context, webhookID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status FROM deliveries WHERE webhook_id = ? AND status IN ('success', 'abandoned')
		 ORDER BY updated_at DESC, created_at DESC LIMIT 50`, webhookID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if status != string(models.DeliveryAbandoned) {
			break
		}
		count++
	}
	return count, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context, appID string) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		dst   *int64
		query string
	}{
		{&stats.TotalEvents, `SELECT COUNT(*) FROM events WHERE app_id = ?`},
		{&stats.TotalDeliveries, `SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.app_id = ?`},
		{&stats.SuccessCount, `SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.app_id = ? AND d.status = 'success'`},
		{&stats.AbandonedCount, `SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.app_id = ? AND d.status = 'abandoned'`},
		{&stats.InFlightCount, `SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.app_id = ? AND d.status IN ('pending', 'attempting', 'retrying')`},
		{&stats.TotalWebhooks, `SELECT COUNT(*) FROM webhooks WHERE app_id = ?`},
		{&stats.ActiveWebhooks, `SELECT COUNT(*) FROM webhooks WHERE app_id = ? AND active = 1`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, appID).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}

// --- Retention ---

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time, eventTTL, attemptTTL time.Duration) (int64, int64, error) {
	var events, attempts int64

	if eventTTL > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE created_at < ?
			 AND NOT EXISTS (
				SELECT 1 FROM deliveries d
				WHERE d.event_id = events.id AND d.status NOT IN ('success', 'abandoned')
			 )`,
			now.Add(-eventTTL))
		if err != nil {
			return 0, 0, err
		}
		events, _ = res.RowsAffected()
	}

	if attemptTTL > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM attempts WHERE created_at < ?`, now.Add(-attemptTTL))
		if err != nil {
			return events, 0, err
		}
		attempts, _ = res.RowsAffected()
	}

	return events, attempts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
