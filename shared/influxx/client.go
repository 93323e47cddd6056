package influxx

import (
	"context"
	"errors"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"social-credit-ledger/shared/config"
)

// Client writes ledger points synchronously so the consumer only commits
// offsets for points the server has accepted.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// New connects to the configured bucket. Every point carries service and env
// tags, and timestamps are stored with millisecond precision to match event
// ids.
func New(cfg config.Config) (*Client, error) {
	if missing := missingSettings(cfg); len(missing) > 0 {
		return nil, errors.New(strings.Join(missing, "/") + " required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSeconds(cfg.InfluxTimeoutMS))).
		SetPrecision(time.Millisecond)
	if cfg.ServiceName != "" {
		opts.AddDefaultTag("service", cfg.ServiceName)
	}
	if cfg.Env != "" {
		opts.AddDefaultTag("env", cfg.Env)
	}
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

func missingSettings(cfg config.Config) []string {
	var missing []string
	for _, s := range []struct{ key, val string }{
		{"INFLUX_URL", cfg.InfluxURL},
		{"INFLUX_TOKEN", cfg.InfluxToken},
		{"INFLUX_ORG", cfg.InfluxOrg},
		{"INFLUX_BUCKET", cfg.InfluxBucket},
	} {
		if strings.TrimSpace(s.val) == "" {
			missing = append(missing, s.key)
		}
	}
	return missing
}

// timeoutSeconds rounds up; the client takes whole seconds.
func timeoutSeconds(ms int) int {
	if ms <= 0 {
		return 1
	}
	return (ms + 999) / 1000
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.writer == nil {
		return errors.New("influx client not initialized")
	}
	if len(fields) == 0 {
		return errors.New("influx point needs at least one field")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.writer.WritePoint(ctx, influxdb2.NewPoint(measurement, tags, fields, ts))
}

// Ready reports whether the server accepts writes.
func (c *Client) Ready(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx not ready")
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
