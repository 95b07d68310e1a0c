package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

// PostgresBackend keeps all sensors in one sensor_readings table, one JSONB
// row per (location, sensor, timestamp)
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresBackend opens a connection pool and creates the schema
func NewPostgresBackend(connString string, logger *logging.Logger) (*PostgresBackend, error) {
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, ioErr("postgres", "create connection pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ioErr("postgres", "ping", err)
	}

	b := &PostgresBackend{pool: pool, logger: logger}

	if err := b.initSchema(ctx); err != nil {
		pool.Close()
		return nil, ioErr("postgres", "initialize schema", err)
	}

	logger.Info("PostgreSQL storage initialized successfully")
	return b, nil
}

func (b *PostgresBackend) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		location   TEXT        NOT NULL,
		sensor_id  INTEGER     NOT NULL,
		time_stamp TIMESTAMPTZ NOT NULL,
		data       JSONB       NOT NULL,
		PRIMARY KEY (location, sensor_id, time_stamp)
	);

	CREATE TABLE IF NOT EXISTS sensor_columns (
		location  TEXT    NOT NULL,
		sensor_id INTEGER NOT NULL,
		fields    JSONB   NOT NULL,
		PRIMARY KEY (location, sensor_id)
	);

	DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('sensor_readings', 'time_stamp', if_not_exists => TRUE);
		END IF;
	EXCEPTION
		WHEN OTHERS THEN
			NULL;
	END $$;
	`

	_, err := b.pool.Exec(ctx, schema)
	return err
}

// Dataset returns the rows of sensor
func (b *PostgresBackend) Dataset(sensor models.Sensor) (Dataset, error) {
	return &PostgresDataset{
		pool:   b.pool,
		sensor: sensor,
		logger: b.logger.WithSensor(sensor.Location, sensor.ID),
	}, nil
}

// Name returns the backend name
func (b *PostgresBackend) Name() string {
	return string(BackendPostgres)
}

// HealthCheck verifies the database connection is healthy
func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.pool.Ping(ctx)
}

// Close closes the connection pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	b.logger.Info("PostgreSQL connection pool closed")
	return nil
}

// PostgresDataset is one sensor's rows in sensor_readings
type PostgresDataset struct {
	pool   *pgxpool.Pool
	sensor models.Sensor
	logger *logging.Logger
}

func (d *PostgresDataset) identity() string {
	return "sensor_readings/" + d.sensor.String()
}

// EnsureExists is a no-op; the table is created with the backend
func (d *PostgresDataset) EnsureExists(ctx context.Context) error {
	return ctx.Err()
}

// LastTimestamp returns max(time_stamp) for the sensor
func (d *PostgresDataset) LastTimestamp(ctx context.Context) (time.Time, bool) {
	var last *time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT max(time_stamp) FROM sensor_readings WHERE location = $1 AND sensor_id = $2`,
		d.sensor.Location, d.sensor.ID,
	).Scan(&last)
	if err != nil {
		d.logger.WithError(err).Warn("Could not read dataset, treating it as having no prior data")
		return time.Time{}, false
	}
	if last == nil {
		return time.Time{}, false
	}
	return last.UTC(), true
}

// IsEmpty reports whether the sensor has no rows
func (d *PostgresDataset) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sensor_readings WHERE location = $1 AND sensor_id = $2)`,
		d.sensor.Location, d.sensor.ID,
	).Scan(&exists)
	if err != nil {
		return false, ioErr(d.identity(), "query", err)
	}
	return !exists, nil
}

// FilterNew drops readings whose timestamp already has a row
func (d *PostgresDataset) FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error) {
	if len(readings) == 0 {
		return readings, nil
	}

	stamps := make([]time.Time, len(readings))
	for i, r := range readings {
		stamps[i] = r.Timestamp
	}

	rows, err := d.pool.Query(ctx,
		`SELECT time_stamp FROM sensor_readings WHERE location = $1 AND sensor_id = $2 AND time_stamp = ANY($3)`,
		d.sensor.Location, d.sensor.ID, stamps,
	)
	if err != nil {
		return nil, ioErr(d.identity(), "query existing", err)
	}
	defer rows.Close()

	known := make(map[int64]struct{})
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, ioErr(d.identity(), "scan existing", err)
		}
		known[ts.Unix()] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(d.identity(), "query existing", err)
	}

	fresh := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := known[r.Timestamp.Unix()]; !ok {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}

// Append inserts the readings in one transaction. Rows whose key already
// exists are left untouched.
func (d *PostgresDataset) Append(ctx context.Context, fields []string, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return ioErr(d.identity(), "begin", err)
	}
	defer tx.Rollback(ctx)

	if err := d.checkFields(ctx, tx, fields); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		if len(r.Values) != len(fields) {
			return ioErr(d.identity(), "append", fmt.Errorf("reading at %s has %d values, expected %d",
				models.FormatTimestamp(r.Timestamp), len(r.Values), len(fields)))
		}

		row := make(map[string]string, len(fields))
		for i, name := range fields {
			row[name] = r.Values[i]
		}
		data, err := json.Marshal(row)
		if err != nil {
			return ioErr(d.identity(), "append", err)
		}

		batch.Queue(
			`INSERT INTO sensor_readings (location, sensor_id, time_stamp, data)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (location, sensor_id, time_stamp) DO NOTHING`,
			d.sensor.Location, d.sensor.ID, r.Timestamp, data,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return ioErr(d.identity(), "insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ioErr(d.identity(), "commit", err)
	}
	return nil
}

// checkFields records the column list on first write and rejects a different one later
func (d *PostgresDataset) checkFields(ctx context.Context, tx pgx.Tx, fields []string) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return ioErr(d.identity(), "append", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sensor_columns (location, sensor_id, fields) VALUES ($1, $2, $3)
		 ON CONFLICT (location, sensor_id) DO NOTHING`,
		d.sensor.Location, d.sensor.ID, encoded,
	)
	if err != nil {
		return ioErr(d.identity(), "write header", err)
	}

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT fields FROM sensor_columns WHERE location = $1 AND sensor_id = $2`,
		d.sensor.Location, d.sensor.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return ioErr(d.identity(), "read header", err)
	}

	var stored []string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return ioErr(d.identity(), "read header", err)
	}
	if !slices.Equal(stored, fields) {
		return ioErr(d.identity(), "append", fmt.Errorf("%w: have %v, appending %v", ErrColumnMismatch, stored, fields))
	}
	return nil
}

// Resort is a no-op: rows are returned in order by ORDER BY time_stamp
func (d *PostgresDataset) Resort(ctx context.Context) error {
	return ctx.Err()
}

// Close does nothing; the pool belongs to the backend
func (d *PostgresDataset) Close() error {
	return nil
}
