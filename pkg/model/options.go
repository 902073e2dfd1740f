package model

// Options wraps the open workflow-options map of spec.md §6 with typed
// accessors, mirroring the teacher's plain-struct config pattern
// (internal/config.ServerConfig + Default*()) rather than a reflection-based
// options library.
type Options map[string]any

// DefaultOptions returns the engine's baseline recognized options.
func DefaultOptions() Options {
	return Options{
		"read_from_cache":  true,
		"write_to_cache":   true,
	}
}

func (o Options) str(key string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (o Options) boolOr(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func (o Options) float(key string) (float64, bool) {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

// WorkflowRoot returns the configured base path for execution products.
func (o Options) WorkflowRoot() string { return o.str("workflow_root") }

// ReadFromCache reports whether call-cache lookups are enabled (default true).
func (o Options) ReadFromCache() bool { return o.boolOr("read_from_cache", true) }

// WriteToCache reports whether successful calls are recorded to the cache
// (default true).
func (o Options) WriteToCache() bool { return o.boolOr("write_to_cache", true) }

// MemoryRetryMultiplier returns the configured multiplier and whether it was
// set at all — spec.md §4.E requires both (a) an OOM-shaped failure message
// and (b) this option being present before a memory-bumped retry happens.
func (o Options) MemoryRetryMultiplier() (float64, bool) {
	mult, ok := o.float("memory_retry_multiplier")
	if !ok || mult <= 1 {
		return 0, false
	}
	return mult, true
}

// MonitoringScript returns the monitoring_script option, the path to an
// optional per-Call monitoring script (spec.md §6). No backend runs this
// script, and nothing writes a monitoring.log.
func (o Options) MonitoringScript() string { return o.str("monitoring_script") }

// PreemptionBudget returns the per-task maximum preemptible-attempt count P
// (spec.md §4.E), falling back to 0 when unset.
func (o Options) PreemptionBudget() int {
	if v, ok := o["preemptible_attempt_budget"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return 0
}
