package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// StartRemoteWrite pushes gathered series to Mimir until ctx is done. It is a
// no-op when no Mimir URL is configured.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c == nil || c.config.URL == "" {
		return
	}

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.writeToMimir(ctx)
		}
	}
}

func (c *Collector) writeToMimir(ctx context.Context) error {
	mfs, err := c.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	samples := metricsToSamples(mfs, time.Now())
	if len(samples) == 0 {
		return nil
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	for i := 0; i < len(samples); i += batchSize {
		end := i + batchSize
		if end > len(samples) {
			end = len(samples)
		}

		if err := c.sendBatch(ctx, samples[i:end]); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	return nil
}

func metricsToSamples(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	var samples []prompb.TimeSeries
	ts := now.UnixNano() / 1e6

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			labels := make([]prompb.Label, 0, len(m.Label)+1)
			for _, l := range m.Label {
				labels = append(labels, prompb.Label{
					Name:  l.GetName(),
					Value: l.GetValue(),
				})
			}
			labels = append(labels, prompb.Label{
				Name:  "__name__",
				Value: mf.GetName(),
			})

			var value float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.Counter.GetValue()
			case dto.MetricType_GAUGE:
				value = m.Gauge.GetValue()
			case dto.MetricType_HISTOGRAM:
				for _, bucket := range m.Histogram.Bucket {
					bucketLabels := append([]prompb.Label{}, labels...)
					bucketLabels = append(bucketLabels, prompb.Label{
						Name:  "le",
						Value: fmt.Sprintf("%g", bucket.GetUpperBound()),
					})

					samples = append(samples, prompb.TimeSeries{
						Labels:  bucketLabels,
						Samples: []prompb.Sample{{Value: float64(bucket.GetCumulativeCount()), Timestamp: ts}},
					})
				}
				continue
			default:
				continue
			}

			samples = append(samples, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
			})
		}
	}

	return samples
}

func (c *Collector) sendBatch(ctx context.Context, samples []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: samples}

	data, err := req.Marshal()
	if err != nil {
		return err
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return err
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if c.config.TenantHeader != "" && c.config.TenantID != "" {
		httpReq.Header.Set(c.config.TenantHeader, c.config.TenantID)
	}
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write failed: %s", resp.Status)
	}

	return nil
}
