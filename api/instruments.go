package api

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kserw/forceauth-sub002/api"

// instruments holds the OpenTelemetry counters for the auth endpoints.
type instruments struct {
	logins            metric.Int64Counter
	callbacks         metric.Int64Counter
	refreshes         metric.Int64Counter
	csrfRejected      metric.Int64Counter
	rateLimitRejected metric.Int64Counter
	rateLimitFailOpen metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &instruments{}

	var err error
	m.logins, err = meter.Int64Counter(
		"forceauth.logins",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins counter: %w", err)
	}

	m.callbacks, err = meter.Int64Counter(
		"forceauth.callbacks",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbacks counter: %w", err)
	}

	m.refreshes, err = meter.Int64Counter(
		"forceauth.refreshes",
		metric.WithDescription("Number of token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refreshes counter: %w", err)
	}

	m.csrfRejected, err = meter.Int64Counter(
		"forceauth.csrf.rejected",
		metric.WithDescription("Number of requests rejected by the CSRF check"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.rejected counter: %w", err)
	}

	m.rateLimitRejected, err = meter.Int64Counter(
		"forceauth.ratelimit.rejected",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.rejected counter: %w", err)
	}

	m.rateLimitFailOpen, err = meter.Int64Counter(
		"forceauth.ratelimit.failopen",
		metric.WithDescription("Number of requests allowed because the counter store was unavailable"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.failopen counter: %w", err)
	}
	return m, nil
}

func (m *instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func endpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String("endpoint", endpoint)
}
