package metrics

// Boundary composes a fast-path Recorder with the Aggregator that backs
// weekly snapshots, mirroring core/orchestrator_metrics.py's
// MetricsBoundary. It lets the orchestrator record through one
// consistent surface regardless of whether metrics are enabled.
type Boundary struct {
	Recorder   Recorder
	Aggregator *Aggregator
}

// NewBoundary wires a Boundary around an Aggregator's fast path.
func NewBoundary(agg *Aggregator) Boundary {
	return Boundary{Recorder: agg, Aggregator: agg}
}

// NewDisabledBoundary returns a Boundary whose Recorder discards
// everything and whose Aggregator is nil, used when
// config.Settings.Metrics.Enabled is false.
func NewDisabledBoundary() Boundary {
	return Boundary{Recorder: NullRecorder{}}
}

// Enabled reports whether this boundary actually records anything,
// mirroring MetricsBoundary.is_enabled.
func (b Boundary) Enabled() bool {
	if _, isNull := b.Recorder.(NullRecorder); isNull {
		return false
	}
	return b.Aggregator != nil
}

// SuppressBackend temporarily replaces the Aggregator's live backend
// with a no-op recorder so a dedicated report-* call (ReportSendSuccess
// etc.) doesn't double-count alongside the fast Increment/Observe path,
// mirroring MetricsBoundary.suppress_backend. The returned restore
// function must be called (typically via defer) on every exit path,
// success or failure; it is a no-op if nothing was actually swapped.
//
// includeSelf matches the Python include_self_backend flag: when true,
// the backend is also suppressed if it happens to be this Boundary's
// own Recorder (preventing a self-referential double count); external
// configuration changes made while suppressed win and survive restore.
func (b Boundary) SuppressBackend(includeSelf bool) func() {
	agg := b.Aggregator
	if agg == nil {
		return func() {}
	}

	agg.mu.Lock()
	original := agg.backend
	originalSet := agg.backendSet
	shouldReplace := false
	if _, isNull := b.Recorder.(NullRecorder); isNull {
		shouldReplace = true
	} else if includeSelf && original == b.Recorder {
		shouldReplace = true
	}
	var placeholder Recorder
	if shouldReplace {
		placeholder = NullRecorder{}
		agg.backend = placeholder
		agg.backendSet = false
	}
	agg.mu.Unlock()

	if !shouldReplace {
		return func() {}
	}
	return func() {
		agg.mu.Lock()
		defer agg.mu.Unlock()
		if agg.backend == placeholder {
			agg.backend = original
			agg.backendSet = originalSet
		}
	}
}
