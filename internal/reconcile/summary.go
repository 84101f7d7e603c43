package reconcile

import "time"

// StageSummary counts what a stage did.
type StageSummary struct {
	Name      string
	Processed int
	Succeeded int
	Skipped   int
	Failed    int

	// Err is set when the stage was aborted before all items were handled.
	Err error
}

// RunSummary describes one cycle.
type RunSummary struct {
	Strategy     string
	Started      time.Time
	Finished     time.Time
	Stages       []StageSummary
	HeartbeatErr error
}

// Stage returns the summary for the named stage.
func (s *RunSummary) Stage(name string) (StageSummary, bool) {
	for _, stage := range s.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return StageSummary{}, false
}

// Processed is the number of items handled across stages.
func (s *RunSummary) Processed() int {
	n := 0
	for _, stage := range s.Stages {
		n += stage.Processed
	}
	return n
}

// Failed is the number of failed items across stages.
func (s *RunSummary) Failed() int {
	n := 0
	for _, stage := range s.Stages {
		n += stage.Failed
	}
	return n
}

// Aborted lists the stages that could not complete.
func (s *RunSummary) Aborted() []string {
	var names []string
	for _, stage := range s.Stages {
		if stage.Err != nil {
			names = append(names, stage.Name)
		}
	}
	return names
}
