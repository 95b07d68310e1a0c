package dataset

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

// sampleField is written with every point so each stored timestamp has at
// least one field to query on, even when all readings are empty.
const sampleField = "sample"

// InfluxDBBackend writes readings as points in one measurement, tagged by
// location and sensor
type InfluxDBBackend struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
	logger      *logging.Logger
}

// NewInfluxDBBackend connects to InfluxDB and verifies it is healthy
func NewInfluxDBBackend(cfg config.InfluxDBConfig, logger *logging.Logger) (*InfluxDBBackend, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, ioErr(cfg.URL, "influxdb health check", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, ioErr(cfg.URL, "influxdb health check", fmt.Errorf("influxdb not healthy: %s", health.Status))
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "sensor_history"
	}

	logger.WithFields(map[string]interface{}{
		"url":         cfg.URL,
		"org":         cfg.Org,
		"bucket":      cfg.Bucket,
		"measurement": measurement,
	}).Info("InfluxDB storage initialized successfully")

	return &InfluxDBBackend{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: measurement,
		logger:      logger,
	}, nil
}

// Dataset returns the series of sensor
func (b *InfluxDBBackend) Dataset(sensor models.Sensor) (Dataset, error) {
	return &InfluxDBDataset{
		backend: b,
		sensor:  sensor,
		logger:  b.logger.WithSensor(sensor.Location, sensor.ID),
	}, nil
}

// Name returns the backend name
func (b *InfluxDBBackend) Name() string {
	return string(BackendInfluxDB)
}

// HealthCheck pings the server
func (b *InfluxDBBackend) HealthCheck(ctx context.Context) error {
	ok, err := b.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb ping failed")
	}
	return nil
}

// Close closes the InfluxDB client
func (b *InfluxDBBackend) Close() error {
	b.client.Close()
	b.logger.Info("InfluxDB client closed")
	return nil
}

// InfluxDBDataset is one sensor's series
type InfluxDBDataset struct {
	backend *InfluxDBBackend
	sensor  models.Sensor
	logger  *logging.Logger
}

func (d *InfluxDBDataset) identity() string {
	return fmt.Sprintf("%s/%s/%s", d.backend.bucket, d.backend.measurement, d.sensor)
}

// baseQuery selects the sample field of this sensor over [start, stop)
func (d *InfluxDBDataset) baseQuery(start, stop string) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: %s, stop: %s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.location == "%s" and r.sensor == "%s")
		|> filter(fn: (r) => r._field == "%s")`,
		escapeFluxString(d.backend.bucket),
		start, stop,
		escapeFluxString(d.backend.measurement),
		escapeFluxString(d.sensor.Location),
		strconv.Itoa(d.sensor.ID),
		sampleField,
	)
}

// EnsureExists is a no-op; series appear on first write
func (d *InfluxDBDataset) EnsureExists(ctx context.Context) error {
	return ctx.Err()
}

func (d *InfluxDBDataset) last(ctx context.Context) (time.Time, bool, error) {
	query := d.baseQuery("1970-01-01T00:00:00Z", "now()") + `
		|> group()
		|> last()`

	result, err := d.backend.queryAPI.Query(ctx, query)
	if err != nil {
		return time.Time{}, false, ioErr(d.identity(), "query last", err)
	}
	defer result.Close()

	if !result.Next() {
		if result.Err() != nil {
			return time.Time{}, false, ioErr(d.identity(), "query last", result.Err())
		}
		return time.Time{}, false, nil
	}
	return result.Record().Time().UTC(), true, nil
}

// LastTimestamp returns the time of the newest point
func (d *InfluxDBDataset) LastTimestamp(ctx context.Context) (time.Time, bool) {
	ts, ok, err := d.last(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("Could not read dataset, treating it as having no prior data")
		return time.Time{}, false
	}
	return ts, ok
}

// IsEmpty reports whether the series has no points
func (d *InfluxDBDataset) IsEmpty(ctx context.Context) (bool, error) {
	_, ok, err := d.last(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// FilterNew queries the stored times covering the readings and drops matches
func (d *InfluxDBDataset) FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error) {
	if len(readings) == 0 {
		return readings, nil
	}

	lo, hi := readings[0].Timestamp, readings[0].Timestamp
	for _, r := range readings[1:] {
		if r.Timestamp.Before(lo) {
			lo = r.Timestamp
		}
		if r.Timestamp.After(hi) {
			hi = r.Timestamp
		}
	}

	query := d.baseQuery(lo.UTC().Format(time.RFC3339), hi.Add(time.Second).UTC().Format(time.RFC3339)) + `
		|> keep(columns: ["_time"])`

	result, err := d.backend.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, ioErr(d.identity(), "query existing", err)
	}
	defer result.Close()

	known := make(map[int64]struct{})
	for result.Next() {
		known[result.Record().Time().Unix()] = struct{}{}
	}
	if result.Err() != nil {
		return nil, ioErr(d.identity(), "query existing", result.Err())
	}

	fresh := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := known[r.Timestamp.Unix()]; !ok {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}

// Append writes one point per reading. Numeric values become float fields,
// anything else non-empty is kept as a string field.
func (d *InfluxDBDataset) Append(ctx context.Context, fields []string, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		if len(r.Values) != len(fields) {
			return ioErr(d.identity(), "append", fmt.Errorf("reading at %s has %d values, expected %d",
				models.FormatTimestamp(r.Timestamp), len(r.Values), len(fields)))
		}

		p := influxdb2.NewPointWithMeasurement(d.backend.measurement).
			AddTag("location", d.sensor.Location).
			AddTag("sensor", strconv.Itoa(d.sensor.ID)).
			AddField(sampleField, 1).
			SetTime(r.Timestamp)

		for i, name := range fields {
			v := r.Values[i]
			if v == "" {
				continue
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.AddField(name, f)
			} else {
				p.AddField(name, v)
			}
		}
		points = append(points, p)
	}

	if err := d.backend.writeAPI.WritePoint(ctx, points...); err != nil {
		return ioErr(d.identity(), "write points", err)
	}
	return nil
}

// Resort is a no-op: InfluxDB orders points by time on read
func (d *InfluxDBDataset) Resort(ctx context.Context) error {
	return ctx.Err()
}

// Close does nothing; the client belongs to the backend
func (d *InfluxDBDataset) Close() error {
	return nil
}

// escapeFluxString escapes special characters in Flux query strings
func escapeFluxString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
