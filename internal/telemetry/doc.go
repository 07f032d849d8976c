// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// fragment server a single TracerProvider/MeterProvider setup point. When
// telemetry is disabled in configuration, Init returns a noop Providers
// that does not dial any collector.
package telemetry
