package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the server and the pipeline.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	llmCallsTotal    = make(map[llmKey]int64)
	executionsTotal  = make(map[execKey]int64)
	executionSources = make(map[string]int64)

	endpointsCreated int64
	endpointsDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type llmKey struct {
	Mode    string
	Model   string
	Success string
}

type execKey struct {
	Outcome string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordLLMCall counts one chat-completion call by mode ("plan" or "shape").
func RecordLLMCall(mode, model string, success bool) {
	mu.Lock()
	defer mu.Unlock()

	s := "false"
	if success {
		s = "true"
	}
	llmCallsTotal[llmKey{Mode: mode, Model: model, Success: s}]++
}

// RecordExecution counts one sandbox execution outcome and the number of
// sources it covered.
func RecordExecution(ok bool, sources int) {
	mu.Lock()
	defer mu.Unlock()

	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	executionsTotal[execKey{Outcome: outcome}]++
	executionSources[outcome] += int64(sources)
}

// RecordEndpointCreated counts a registry create.
func RecordEndpointCreated() {
	mu.Lock()
	defer mu.Unlock()
	endpointsCreated++
}

// RecordEndpointDeleted counts a registry delete.
func RecordEndpointDeleted() {
	mu.Lock()
	defer mu.Unlock()
	endpointsDeleted++
}

// Export renders all counters in Prometheus text exposition format.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# TYPE apigen_http_requests_total counter\n")
	for _, k := range sortedReqKeys() {
		fmt.Fprintf(&b, "apigen_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# TYPE apigen_http_request_duration_ms summary\n")
	for _, k := range sortedLatKeys() {
		fmt.Fprintf(&b, "apigen_http_request_duration_ms_sum{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "apigen_http_request_duration_ms_count{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# TYPE apigen_llm_calls_total counter\n")
	for _, k := range sortedLLMKeys() {
		fmt.Fprintf(&b, "apigen_llm_calls_total{mode=%q,model=%q,success=%q} %d\n",
			k.Mode, k.Model, k.Success, llmCallsTotal[k])
	}

	b.WriteString("# TYPE apigen_executions_total counter\n")
	for _, k := range sortedExecKeys() {
		fmt.Fprintf(&b, "apigen_executions_total{outcome=%q} %d\n", k.Outcome, executionsTotal[k])
	}
	b.WriteString("# TYPE apigen_execution_sources_total counter\n")
	for _, outcome := range sortedStrings(executionSources) {
		fmt.Fprintf(&b, "apigen_execution_sources_total{outcome=%q} %d\n", outcome, executionSources[outcome])
	}

	b.WriteString("# TYPE apigen_endpoints_created_total counter\n")
	fmt.Fprintf(&b, "apigen_endpoints_created_total %d\n", endpointsCreated)
	b.WriteString("# TYPE apigen_endpoints_deleted_total counter\n")
	fmt.Fprintf(&b, "apigen_endpoints_deleted_total %d\n", endpointsDeleted)

	return b.String()
}

func sortedReqKeys() []reqKey {
	keys := make([]reqKey, 0, len(requestsTotal))
	for k := range requestsTotal {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})
	return keys
}

func sortedLatKeys() []latKey {
	keys := make([]latKey, 0, len(latencyMsSum))
	for k := range latencyMsSum {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Path < keys[j].Path
	})
	return keys
}

func sortedLLMKeys() []llmKey {
	keys := make([]llmKey, 0, len(llmCallsTotal))
	for k := range llmCallsTotal {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Mode != keys[j].Mode {
			return keys[i].Mode < keys[j].Mode
		}
		if keys[i].Model != keys[j].Model {
			return keys[i].Model < keys[j].Model
		}
		return keys[i].Success < keys[j].Success
	})
	return keys
}

func sortedExecKeys() []execKey {
	keys := make([]execKey, 0, len(executionsTotal))
	for k := range executionsTotal {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Outcome < keys[j].Outcome })
	return keys
}

func sortedStrings(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
