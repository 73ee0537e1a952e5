// Package sinks implements concrete event consumers: Prometheus collectors,
// structured logging, and the broadcast fan-out serving UI subscribers. Each
// sink satisfies the events.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
