package state

// Job is a named container job template the local API can run. Templates
// come from the worker config file or are created over gRPC.
type Job struct {
	// Full resource name: projects/{project}/locations/{location}/jobs/{job}
	Name            string
	JobType         string
	Image           string
	ExecutionParams map[string]any
	Env             map[string]string
}

// ShortName extracts the job ID from the full resource name.
func (j *Job) ShortName() string {
	return parseLastSegment(j.Name)
}
