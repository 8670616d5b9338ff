package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the service.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	scrapesTotal      = make(map[scrapeKey]int64)
	singleFlightTotal int64
	rateLimitedTotal  int64

	jobsTotal   = make(map[jobKey]int64)
	llmExtracts = make(map[llmKey]int64)

	searchRequestsTotal = make(map[searchKey]int64)
	searchResultsTotal  = make(map[string]int64)

	reaperRequeuedTotal  int64
	reaperFailedTotal    int64
	retentionJobsDeleted int64
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

type scrapeKey struct {
	Renderer string
	Cached   string
}

type jobKey struct {
	Type   string
	Status string
}

type llmKey struct {
	Provider string
	Model    string
	Success  string
}

type searchKey struct {
	Provider string
	Scrape   string
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordRequest increments the request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordScrape counts a completed scrape by renderer and cache outcome.
func RecordScrape(renderer string, cached bool) {
	mu.Lock()
	defer mu.Unlock()
	scrapesTotal[scrapeKey{Renderer: renderer, Cached: boolLabel(cached)}]++
}

// RecordSingleFlightShare counts a scrape served from a shared in-flight call.
func RecordSingleFlightShare() {
	mu.Lock()
	defer mu.Unlock()
	singleFlightTotal++
}

// RecordRateLimited counts a rejected request.
func RecordRateLimited() {
	mu.Lock()
	defer mu.Unlock()
	rateLimitedTotal++
}

// RecordJob counts a job state transition.
func RecordJob(jobType, status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsTotal[jobKey{Type: jobType, Status: status}]++
}

// RecordLLMExtract increments LLM extraction counters.
func RecordLLMExtract(provider, model string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	llmExtracts[llmKey{Provider: provider, Model: model, Success: boolLabel(success)}]++
}

// RecordSearch records search requests and result volume per provider.
func RecordSearch(provider string, withScrape bool, results int) {
	mu.Lock()
	defer mu.Unlock()

	searchRequestsTotal[searchKey{Provider: provider, Scrape: boolLabel(withScrape)}]++
	if results > 0 {
		searchResultsTotal[provider] += int64(results)
	}
}

// RecordReaper counts lease reclaims and second-stall failures.
func RecordReaper(requeued, failed int64) {
	if requeued <= 0 && failed <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	reaperRequeuedTotal += requeued
	reaperFailedTotal += failed
}

// RecordRetentionJobs counts jobs deleted by TTL cleanup.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP pagesift_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE pagesift_http_requests_total counter\n")

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
		fmt.Fprintf(&b, "pagesift_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP pagesift_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE pagesift_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP pagesift_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE pagesift_http_request_duration_ms_count counter\n")

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
		fmt.Fprintf(&b, "pagesift_http_request_duration_ms_sum{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "pagesift_http_request_duration_ms_count{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP pagesift_scrapes_total Completed scrapes by renderer and cache outcome\n")
	b.WriteString("# TYPE pagesift_scrapes_total counter\n")

	var scrapeKeys []scrapeKey
	for k := range scrapesTotal {
		scrapeKeys = append(scrapeKeys, k)
	}
	sort.Slice(scrapeKeys, func(i, j int) bool {
		if scrapeKeys[i].Renderer != scrapeKeys[j].Renderer {
			return scrapeKeys[i].Renderer < scrapeKeys[j].Renderer
		}
		return scrapeKeys[i].Cached < scrapeKeys[j].Cached
	})
	for _, k := range scrapeKeys {
		fmt.Fprintf(&b, "pagesift_scrapes_total{renderer=%q,cached=%q} %d\n",
			k.Renderer, k.Cached, scrapesTotal[k])
	}

	b.WriteString("# HELP pagesift_scrape_singleflight_shared_total Scrapes served from a shared in-flight call\n")
	b.WriteString("# TYPE pagesift_scrape_singleflight_shared_total counter\n")
	fmt.Fprintf(&b, "pagesift_scrape_singleflight_shared_total %d\n", singleFlightTotal)

	b.WriteString("# HELP pagesift_rate_limited_total Requests rejected by the rate limiter\n")
	b.WriteString("# TYPE pagesift_rate_limited_total counter\n")
	fmt.Fprintf(&b, "pagesift_rate_limited_total %d\n", rateLimitedTotal)

	b.WriteString("# HELP pagesift_jobs_total Job state transitions\n")
	b.WriteString("# TYPE pagesift_jobs_total counter\n")

	var jobKeys []jobKey
	for k := range jobsTotal {
		jobKeys = append(jobKeys, k)
	}
	sort.Slice(jobKeys, func(i, j int) bool {
		if jobKeys[i].Type != jobKeys[j].Type {
			return jobKeys[i].Type < jobKeys[j].Type
		}
		return jobKeys[i].Status < jobKeys[j].Status
	})
	for _, k := range jobKeys {
		fmt.Fprintf(&b, "pagesift_jobs_total{type=%q,status=%q} %d\n", k.Type, k.Status, jobsTotal[k])
	}

	b.WriteString("# HELP pagesift_llm_extract_requests_total Total LLM extraction requests\n")
	b.WriteString("# TYPE pagesift_llm_extract_requests_total counter\n")

	var llmKeys []llmKey
	for k := range llmExtracts {
		llmKeys = append(llmKeys, k)
	}
	sort.Slice(llmKeys, func(i, j int) bool {
		if llmKeys[i].Provider != llmKeys[j].Provider {
			return llmKeys[i].Provider < llmKeys[j].Provider
		}
		if llmKeys[i].Model != llmKeys[j].Model {
			return llmKeys[i].Model < llmKeys[j].Model
		}
		return llmKeys[i].Success < llmKeys[j].Success
	})
	for _, k := range llmKeys {
		fmt.Fprintf(&b, "pagesift_llm_extract_requests_total{provider=%q,model=%q,success=%q} %d\n",
			k.Provider, k.Model, k.Success, llmExtracts[k])
	}

	b.WriteString("# HELP pagesift_search_requests_total Total search requests by provider and scrape mode\n")
	b.WriteString("# TYPE pagesift_search_requests_total counter\n")

	var searchKeys []searchKey
	for k := range searchRequestsTotal {
		searchKeys = append(searchKeys, k)
	}
	sort.Slice(searchKeys, func(i, j int) bool {
		if searchKeys[i].Provider != searchKeys[j].Provider {
			return searchKeys[i].Provider < searchKeys[j].Provider
		}
		return searchKeys[i].Scrape < searchKeys[j].Scrape
	})
	for _, k := range searchKeys {
		fmt.Fprintf(&b, "pagesift_search_requests_total{provider=%q,scrape=%q} %d\n",
			k.Provider, k.Scrape, searchRequestsTotal[k])
	}

	b.WriteString("# HELP pagesift_search_results_total Total search results returned by provider\n")
	b.WriteString("# TYPE pagesift_search_results_total counter\n")

	var providers []string
	for p := range searchResultsTotal {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Fprintf(&b, "pagesift_search_results_total{provider=%q} %d\n", p, searchResultsTotal[p])
	}

	b.WriteString("# HELP pagesift_reaper_requeued_total Stalled jobs requeued by the reaper\n")
	b.WriteString("# TYPE pagesift_reaper_requeued_total counter\n")
	fmt.Fprintf(&b, "pagesift_reaper_requeued_total %d\n", reaperRequeuedTotal)

	b.WriteString("# HELP pagesift_reaper_failed_total Jobs failed after a second stall\n")
	b.WriteString("# TYPE pagesift_reaper_failed_total counter\n")
	fmt.Fprintf(&b, "pagesift_reaper_failed_total %d\n", reaperFailedTotal)

	b.WriteString("# HELP pagesift_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE pagesift_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "pagesift_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	return b.String()
}
