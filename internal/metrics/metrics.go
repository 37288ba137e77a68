package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the ingress API and the job pipeline.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsSubmitted    int64
	jobTransitions   = make(map[string]int64)
	jobOutcomes      = make(map[string]int64)
	stepDurationSum  = make(map[string]int64)
	stepDurationCnt  = make(map[string]int64)
	workersActive    int64
	workersPeak      int64
	jobsRecovered    int64
	retentionDeleted int64
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

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

func RecordJobSubmitted() {
	mu.Lock()
	defer mu.Unlock()
	jobsSubmitted++
}

// RecordTransition counts a job entering state.
func RecordTransition(state string) {
	mu.Lock()
	defer mu.Unlock()
	jobTransitions[state]++
}

// RecordOutcome counts how a pipeline run ended: done, requeued or failed.
func RecordOutcome(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	jobOutcomes[outcome]++
}

// RecordStep records how long one pipeline step took.
func RecordStep(step string, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()
	stepDurationSum[step] += latencyMs
	stepDurationCnt[step]++
}

// SetWorkersActive records the number of running coordinators and
// tracks the high-water mark.
func SetWorkersActive(n int64) {
	mu.Lock()
	defer mu.Unlock()
	workersActive = n
	if n > workersPeak {
		workersPeak = n
	}
}

func RecordRecovered(n int64) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	jobsRecovered += n
}

// RecordRetentionJobs increments the counter of terminal jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionDeleted += deleted
}

func writeLabelled(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP vidpipe_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE vidpipe_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "vidpipe_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP vidpipe_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE vidpipe_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP vidpipe_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE vidpipe_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "vidpipe_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "vidpipe_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP vidpipe_jobs_submitted_total Total jobs accepted by the ingress API\n")
	b.WriteString("# TYPE vidpipe_jobs_submitted_total counter\n")
	fmt.Fprintf(&b, "vidpipe_jobs_submitted_total %d\n", jobsSubmitted)

	writeLabelled(&b, "vidpipe_job_transitions_total", "Job state transitions by target state", "state", jobTransitions)
	writeLabelled(&b, "vidpipe_job_outcomes_total", "Pipeline run outcomes", "outcome", jobOutcomes)
	writeLabelled(&b, "vidpipe_step_duration_ms_sum", "Total pipeline step duration in milliseconds", "step", stepDurationSum)
	writeLabelled(&b, "vidpipe_step_duration_ms_count", "Pipeline step count for latency metric", "step", stepDurationCnt)

	b.WriteString("# HELP vidpipe_workers_active Coordinators currently running\n")
	b.WriteString("# TYPE vidpipe_workers_active gauge\n")
	fmt.Fprintf(&b, "vidpipe_workers_active %d\n", workersActive)
	b.WriteString("# HELP vidpipe_workers_peak Highest number of coordinators running at once\n")
	b.WriteString("# TYPE vidpipe_workers_peak gauge\n")
	fmt.Fprintf(&b, "vidpipe_workers_peak %d\n", workersPeak)

	b.WriteString("# HELP vidpipe_jobs_recovered_total Jobs requeued by startup recovery\n")
	b.WriteString("# TYPE vidpipe_jobs_recovered_total counter\n")
	fmt.Fprintf(&b, "vidpipe_jobs_recovered_total %d\n", jobsRecovered)

	b.WriteString("# HELP vidpipe_retention_jobs_deleted_total Total terminal jobs deleted by TTL\n")
	b.WriteString("# TYPE vidpipe_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "vidpipe_retention_jobs_deleted_total %d\n", retentionDeleted)

	return b.String()
}
