package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deployd/agent/pkg/logger"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const eventMeasurement = "agent_event"

// EventData mirrors events.Event without importing it
type EventData struct {
	ID         string
	Type       string
	Timestamp  time.Time
	Source     string
	Deployment string
	Subject    string
	Data       map[string]interface{}
}

// EventFilters for querying events
type EventFilters struct {
	Types      []string
	Deployment string
	Subject    string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// InfluxDBClient writes agent events to InfluxDB as time-series points
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	org      string
	bucket   string
}

// InfluxDBConfig holds InfluxDB connection configuration
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxDBClient connects and health-checks an InfluxDB instance
func NewInfluxDBClient(config InfluxDBConfig) (*InfluxDBClient, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	logger.Info("InfluxDB connection established", map[string]interface{}{
		"url":    config.URL,
		"org":    config.Org,
		"bucket": config.Bucket,
	})

	writeAPI := client.WriteAPI(config.Org, config.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("InfluxDB write failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: client.QueryAPI(config.Org),
		org:      config.Org,
		bucket:   config.Bucket,
	}, nil
}

// WriteEvent queues an event point; writes are batched by the client.
func (c *InfluxDBClient) WriteEvent(event EventData) error {
	fields := make(map[string]interface{}, len(event.Data)+1)
	for k, v := range event.Data {
		fields[k] = v
	}
	// A point needs at least one field
	fields["count"] = 1

	p := influxdb2.NewPoint(
		eventMeasurement,
		map[string]string{
			"event_id":   event.ID,
			"event_type": event.Type,
			"source":     event.Source,
			"deployment": event.Deployment,
			"subject":    event.Subject,
		},
		fields,
		event.Timestamp,
	)
	c.writeAPI.WritePoint(p)
	return nil
}

// Flush sends all pending writes
func (c *InfluxDBClient) Flush() {
	c.writeAPI.Flush()
}

// QueryEvents queries events with filters
func (c *InfluxDBClient) QueryEvents(ctx context.Context, filters EventFilters) ([]EventData, error) {
	result, err := c.queryAPI.Query(ctx, c.buildFluxQuery(filters))
	if err != nil {
		return nil, fmt.Errorf("failed to query InfluxDB: %w", err)
	}

	var eventsList []EventData
	for result.Next() {
		record := result.Record()
		event := EventData{
			ID:         stringValue(record.ValueByKey("event_id")),
			Type:       stringValue(record.ValueByKey("event_type")),
			Timestamp:  record.Time(),
			Source:     stringValue(record.ValueByKey("source")),
			Deployment: stringValue(record.ValueByKey("deployment")),
			Subject:    stringValue(record.ValueByKey("subject")),
			Data:       make(map[string]interface{}),
		}
		for k, v := range record.Values() {
			if strings.HasPrefix(k, "_") || k == "result" || k == "table" || k == "count" {
				continue
			}
			switch k {
			case "event_id", "event_type", "source", "deployment", "subject":
				continue
			}
			event.Data[k] = v
		}
		eventsList = append(eventsList, event)

		if filters.Limit > 0 && len(eventsList) >= filters.Limit {
			break
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	return eventsList, nil
}

func (c *InfluxDBClient) buildFluxQuery(filters EventFilters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)", strconv.Quote(c.bucket))

	if !filters.StartTime.IsZero() {
		fmt.Fprintf(&b, "\n  |> range(start: %s", filters.StartTime.UTC().Format(time.RFC3339))
		if !filters.EndTime.IsZero() {
			fmt.Fprintf(&b, ", stop: %s", filters.EndTime.UTC().Format(time.RFC3339))
		}
		b.WriteString(")")
	} else {
		b.WriteString("\n  |> range(start: -24h)")
	}

	fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r._measurement == %s)", strconv.Quote(eventMeasurement))

	if len(filters.Types) > 0 {
		clauses := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			clauses[i] = "r.event_type == " + strconv.Quote(t)
		}
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => %s)", strings.Join(clauses, " or "))
	}
	if filters.Deployment != "" {
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r.deployment == %s)", strconv.Quote(filters.Deployment))
	}
	if filters.Subject != "" {
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r.subject == %s)", strconv.Quote(filters.Subject))
	}

	b.WriteString("\n  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")")
	b.WriteString("\n  |> group()")
	b.WriteString("\n  |> sort(columns: [\"_time\"], desc: true)")
	if filters.Limit > 0 {
		fmt.Fprintf(&b, "\n  |> limit(n: %d)", filters.Limit)
	}
	return b.String()
}

// Close flushes pending writes and closes the client
func (c *InfluxDBClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
	logger.Info("InfluxDB client closed", nil)
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
