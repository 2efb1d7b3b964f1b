package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		device_address TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Fertilizer catalog, reference data
	CREATE TABLE IF NOT EXISTS fertilizer_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT ''
	);

	-- One row per occupied tank slot
	CREATE TABLE IF NOT EXISTS tank_configurations (
		tunnel_id INTEGER NOT NULL,
		slot TEXT NOT NULL CHECK (slot IN ('A', 'B', 'C')),
		content TEXT NOT NULL CHECK (content IN ('water', 'fertilizer')),
		item_id INTEGER,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tunnel_id, slot),
		FOREIGN KEY (tunnel_id) REFERENCES tunnels(id) ON DELETE CASCADE,
		FOREIGN KEY (item_id) REFERENCES fertilizer_items(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tank_item ON tank_configurations(tunnel_id, item_id)
		WHERE item_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL DEFAULT 0,
		tunnel_id INTEGER NOT NULL,
		item_id INTEGER,
		fertilizer_quantity REAL NOT NULL DEFAULT 0,
		water_volume REAL NOT NULL DEFAULT 0,
		scheduled_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (tunnel_id) REFERENCES tunnels(id),
		FOREIGN KEY (item_id) REFERENCES fertilizer_items(id)
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, scheduled_at);

	-- Releases live and die with their schedule
	CREATE TABLE IF NOT EXISTS releases (
		schedule_id INTEGER NOT NULL,
		position INTEGER NOT NULL CHECK (position BETWEEN 0 AND 2),
		release_time TEXT NOT NULL,
		quantity REAL NOT NULL,
		PRIMARY KEY (schedule_id, position),
		FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Tunnel Operations ---

// UpsertTunnel inserts a tunnel, or updates it when t.ID is set. The new id
// is written back into t.
func (db *DB) UpsertTunnel(ctx context.Context, t *model.Tunnel) error {
	if t.ID == 0 {
		res, err := db.conn.ExecContext(ctx,
			`INSERT INTO tunnels (name, device_address, updated_at) VALUES (?, ?, ?)`,
			t.Name, t.DeviceAddress, time.Now())
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	}
	query := `INSERT INTO tunnels (id, name, device_address, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			device_address = excluded.device_address, updated_at = excluded.updated_at`
	_, err := db.conn.ExecContext(ctx, query, t.ID, t.Name, t.DeviceAddress, time.Now())
	return err
}

func (db *DB) Tunnel(ctx context.Context, id int64) (model.Tunnel, error) {
	var t model.Tunnel
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, device_address FROM tunnels WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.DeviceAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("tunnel %d: %w", id, model.ErrValidation)
	}
	return t, err
}

// Tunnels lists all tunnels by id.
func (db *DB) Tunnels(ctx context.Context) ([]model.Tunnel, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, device_address FROM tunnels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tunnel
	for rows.Next() {
		var t model.Tunnel
		if err := rows.Scan(&t.ID, &t.Name, &t.DeviceAddress); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Catalog Operations ---

func (db *DB) UpsertFertilizerItem(ctx context.Context, it *model.FertilizerItem) error {
	if it.ID == 0 {
		res, err := db.conn.ExecContext(ctx,
			`INSERT INTO fertilizer_items (name, category, unit) VALUES (?, ?, ?)`,
			it.Name, it.Category, it.Unit)
		if err != nil {
			return err
		}
		it.ID, err = res.LastInsertId()
		return err
	}
	_, err := db.conn.ExecContext(ctx, `INSERT INTO fertilizer_items (id, name, category, unit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, category = excluded.category,
			unit = excluded.unit`,
		it.ID, it.Name, it.Category, it.Unit)
	return err
}

// --- Tank Operations ---

// UpsertTankConfiguration assigns a slot. An item already sitting in another
// slot of the same tunnel is moved, so an item never occupies two slots.
func (db *DB) UpsertTankConfiguration(ctx context.Context, tc model.TankConfiguration) error {
	if !tc.Slot.Valid() {
		return fmt.Errorf("unknown tank slot %q: %w", tc.Slot, model.ErrValidation)
	}
	var itemID sql.NullInt64
	switch tc.Content {
	case model.ContentWater:
	case model.ContentFertilizer:
		if tc.ItemID <= 0 {
			return fmt.Errorf("slot %s: fertilizer needs an item: %w", tc.Slot, model.ErrValidation)
		}
		itemID = sql.NullInt64{Int64: tc.ItemID, Valid: true}
	default:
		return fmt.Errorf("unknown tank content %q: %w", tc.Content, model.ErrValidation)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if itemID.Valid {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM tank_configurations WHERE tunnel_id = ? AND item_id = ? AND slot <> ?`,
			tc.TunnelID, itemID, string(tc.Slot))
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO tank_configurations (tunnel_id, slot, content, item_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tunnel_id, slot) DO UPDATE SET content = excluded.content,
			item_id = excluded.item_id, updated_at = excluded.updated_at`,
		tc.TunnelID, string(tc.Slot), string(tc.Content), itemID, time.Now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ClearTankConfiguration empties a slot.
func (db *DB) ClearTankConfiguration(ctx context.Context, tunnelID int64, slot model.TankSlot) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM tank_configurations WHERE tunnel_id = ? AND slot = ?`, tunnelID, string(slot))
	return err
}

// TankConfigurations returns the occupied slots of a tunnel in slot order.
func (db *DB) TankConfigurations(ctx context.Context, tunnelID int64) ([]model.TankConfiguration, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT tunnel_id, slot, content, item_id
		FROM tank_configurations WHERE tunnel_id = ? ORDER BY slot`, tunnelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TankConfiguration
	for rows.Next() {
		var tc model.TankConfiguration
		var slot, content string
		var itemID sql.NullInt64
		if err := rows.Scan(&tc.TunnelID, &slot, &content, &itemID); err != nil {
			return nil, err
		}
		tc.Slot = model.TankSlot(slot)
		tc.Content = model.TankContent(content)
		tc.ItemID = itemID.Int64
		out = append(out, tc)
	}
	return out, rows.Err()
}

// --- Schedule Operations ---

// CreateSchedule inserts a schedule and its releases in one transaction.
// A missing status defaults to pending.
func (db *DB) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	if len(s.Releases) > model.MaxReleases {
		return fmt.Errorf("schedule has %d releases: %w", len(s.Releases), model.ErrValidation)
	}
	if s.Status == "" {
		s.Status = model.StatusPending
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO schedules
		(customer_id, tunnel_id, item_id, fertilizer_quantity, water_volume, scheduled_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.CustomerID, s.TunnelID, nullID(s.ItemID), s.FertilizerQuantity, s.WaterVolume,
		s.ScheduledAt.Unix(), string(s.Status), time.Now())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := insertReleases(ctx, tx, id, s.Releases); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.ID = id
	return nil
}

// UpdateSchedule replaces the content of a schedule that is still pending.
// Status is left alone; it belongs to the publishing pipeline.
func (db *DB) UpdateSchedule(ctx context.Context, s *model.Schedule) error {
	if len(s.Releases) > model.MaxReleases {
		return fmt.Errorf("schedule has %d releases: %w", len(s.Releases), model.ErrValidation)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM schedules WHERE id = ?`, s.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("schedule %d: %w", s.ID, model.ErrScheduleNotFound)
	}
	if err != nil {
		return err
	}
	if model.ScheduleStatus(status) != model.StatusPending {
		return fmt.Errorf("schedule %d is %s, only pending schedules can be edited: %w", s.ID, status, model.ErrValidation)
	}

	_, err = tx.ExecContext(ctx, `UPDATE schedules SET customer_id = ?, tunnel_id = ?, item_id = ?,
		fertilizer_quantity = ?, water_volume = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ?`,
		s.CustomerID, s.TunnelID, nullID(s.ItemID), s.FertilizerQuantity, s.WaterVolume,
		s.ScheduledAt.Unix(), time.Now(), s.ID)
	if err != nil {
		return err
	}

	// Delete old releases
	if _, err := tx.ExecContext(ctx, `DELETE FROM releases WHERE schedule_id = ?`, s.ID); err != nil {
		return err
	}
	if err := insertReleases(ctx, tx, s.ID, s.Releases); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteSchedule removes a schedule; its releases go with it.
func (db *DB) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", id, model.ErrScheduleNotFound)
	}
	return nil
}

// UpdateScheduleStatus records the outcome of a publish attempt.
func (db *DB) UpdateScheduleStatus(ctx context.Context, id int64, status model.ScheduleStatus) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", id, model.ErrScheduleNotFound)
	}
	return nil
}

const scheduleColumns = `s.id, s.customer_id, s.tunnel_id, s.item_id, s.fertilizer_quantity,
	s.water_volume, s.scheduled_at, s.status, t.name, t.device_address,
	f.name, f.category, f.unit
	FROM schedules s
	JOIN tunnels t ON t.id = s.tunnel_id
	LEFT JOIN fertilizer_items f ON f.id = s.item_id`

// Schedule loads one schedule with its tunnel, item and releases.
func (db *DB) Schedule(ctx context.Context, id int64) (model.Schedule, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+scheduleColumns+` WHERE s.id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("schedule %d: %w", id, model.ErrScheduleNotFound)
	}
	if err != nil {
		return s, err
	}
	s.Releases, err = db.releases(ctx, s.ID)
	return s, err
}

// DueSchedules returns schedules with the given status whose scheduled time
// lies in [from, to], ordered by time then id.
func (db *DB) DueSchedules(ctx context.Context, from, to time.Time, status model.ScheduleStatus) ([]model.Schedule, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+scheduleColumns+`
		WHERE s.status = ? AND s.scheduled_at BETWEEN ? AND ?
		ORDER BY s.scheduled_at, s.id`,
		string(status), from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}

	var out []model.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Releases, err = db.releases(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (model.Schedule, error) {
	var s model.Schedule
	var itemID sql.NullInt64
	var scheduledAt int64
	var status string
	var itemName, itemCategory, itemUnit sql.NullString
	err := row.Scan(&s.ID, &s.CustomerID, &s.TunnelID, &itemID, &s.FertilizerQuantity,
		&s.WaterVolume, &scheduledAt, &status, &s.Tunnel.Name, &s.Tunnel.DeviceAddress,
		&itemName, &itemCategory, &itemUnit)
	if err != nil {
		return s, err
	}
	s.Tunnel.ID = s.TunnelID
	s.ScheduledAt = time.Unix(scheduledAt, 0)
	s.Status = model.ScheduleStatus(status)
	if itemID.Valid {
		s.ItemID = itemID.Int64
		s.Item = &model.FertilizerItem{
			ID:       itemID.Int64,
			Name:     itemName.String,
			Category: itemCategory.String,
			Unit:     itemUnit.String,
		}
	}
	return s, nil
}

func (db *DB) releases(ctx context.Context, scheduleID int64) ([]model.Release, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT release_time, quantity FROM releases
		WHERE schedule_id = ? ORDER BY position`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Release
	for rows.Next() {
		var r model.Release
		if err := rows.Scan(&r.Time, &r.Quantity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertReleases(ctx context.Context, tx *sql.Tx, scheduleID int64, releases []model.Release) error {
	for i, r := range releases {
		_, err := tx.ExecContext(ctx, `INSERT INTO releases (schedule_id, position, release_time, quantity)
			VALUES (?, ?, ?, ?)`, scheduleID, i, r.Time, r.Quantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
