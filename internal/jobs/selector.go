package jobs

// selectNext picks the next record to dispatch, or nil when nothing is
// eligible. Once heavyBusy CPU-heavy bodies are executing and that reaches
// maxHeavy nothing is dispatched, light jobs included; otherwise the first
// record in registration order that is neither running nor completed wins.
//
// heavyBusy also covers bodies that outlived Stop or ClearCompletedJobs, so
// a new cycle cannot stack heavy work on top of them.
func selectNext(order []*record, heavyBusy, maxHeavy int) *record {
	if heavyBusy >= maxHeavy {
		return nil
	}
	for _, rec := range order {
		if !rec.running && !rec.completed {
			return rec
		}
	}
	return nil
}
