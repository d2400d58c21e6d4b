package tsdb

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// Influx writes points synchronously to InfluxDB v2.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInflux creates a client. No connection is made until the first write.
func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb: url and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (i *Influx) Write(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	wp := make([]*write.Point, len(points))
	for n, p := range points {
		wp[n] = influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	}
	if err := i.write.WritePoint(ctx, wp...); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (i *Influx) Close() error {
	i.client.Close()
	return nil
}
