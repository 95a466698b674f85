// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	submitCalls          = metrics.NewCounter("tx_submit_calls_total")
	submitSuccess        = metrics.NewCounter("tx_submit_success_total")
	submitExhausted      = metrics.NewCounter("tx_submit_exhausted_total")
	submitExpiredPayload = metrics.NewCounter("tx_submit_expired_payload_total")
	verifyUnconfirmed    = metrics.NewCounter("tx_verify_unconfirmed_total")
	verifyQueueFull      = metrics.NewCounter("tx_verify_queue_full_total")
)

func IncSubmitCalls() {
	submitCalls.Inc()
}

func IncSubmitSuccess() {
	submitSuccess.Inc()
}

func IncSubmitExhausted() {
	submitExhausted.Inc()
}

func IncSubmitExpiredPayload() {
	submitExpiredPayload.Inc()
}

func IncVerifyUnconfirmed() {
	verifyUnconfirmed.Inc()
}

func IncVerifyQueueFull() {
	verifyQueueFull.Inc()
}

func IncProviderAttempt(provider, outcome string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`tx_provider_attempts_total{provider=%q,outcome=%q}`, provider, outcome)).Inc()
}

func RecordProviderAttemptDuration(provider string, millis int64) {
	metrics.GetOrCreateSummary(
		fmt.Sprintf(`tx_provider_attempt_duration_ms{provider=%q}`, provider)).Update(float64(millis))
}

func IncBreakerOpened(provider string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`tx_breaker_opened_total{provider=%q}`, provider)).Inc()
}

func IncBreakerClosed(provider string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`tx_breaker_closed_total{provider=%q}`, provider)).Inc()
}

func IncVerifyOutcome(state string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`tx_verify_outcome_total{state=%q}`, state)).Inc()
}

func RecordVerifyDuration(millis int64) {
	metrics.GetOrCreateSummary("tx_verify_duration_ms").Update(float64(millis))
}

func RecordRPCCallDuration(method string, millis int64) {
	metrics.GetOrCreateSummary(
		fmt.Sprintf(`rpc_call_duration_ms{method=%q}`, method)).Update(float64(millis))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`rpc_call_failure_total{method=%q}`, method)).Inc()
}
