package conversation

// Recorder receives counts of notable store, cache, and switch activity so
// an external metrics registry can track them. Methods may be called
// concurrently; a nil Recorder disables recording.
type Recorder interface {
	// RecordCacheRefresh counts one fired background revalidation.
	RecordCacheRefresh()

	// RecordEvictions counts entries removed by one eviction pass.
	RecordEvictions(count int)

	// RecordCorruption counts one corrupted durable entry dropped.
	RecordCorruption()

	// RecordSwitch counts one finished switch request and its outcome.
	RecordSwitch(superseded, rolledBack bool)
}
