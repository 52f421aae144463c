package rpc

import "github.com/VictoriaMetrics/metrics"

var (
	requestsSent      = metrics.NewCounter(`meshrpc_requests_sent_total`)
	requestsReceived  = metrics.NewCounter(`meshrpc_requests_received_total`)
	responsesSent     = metrics.NewCounter(`meshrpc_responses_sent_total`)
	responsesReceived = metrics.NewCounter(`meshrpc_responses_received_total`)
	requestTimeouts   = metrics.NewCounter(`meshrpc_request_timeouts_total`)
	prunedRequests    = metrics.NewCounter(`meshrpc_pruned_requests_total`)
)
