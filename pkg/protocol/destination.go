package protocol

// Destination names shared by clients, the orchestrator and workers.
const (
	CancellationsDestination = "job_cancellations"
	HeartbeatsDestination    = "worker_heartbeats"
	WorkerEventsDestination  = "worker_events"
)

// SubmissionsDestination is where jobs of one workflow type are submitted.
func SubmissionsDestination(workflowType string) string {
	return "job_submissions." + workflowType
}

// StatusDestination carries status updates back to one client.
func StatusDestination(replyTo string) string {
	return "jobs." + replyTo + ".status"
}

// ResultDestination carries job results back to one client.
func ResultDestination(replyTo string) string {
	return "jobs." + replyTo + ".result"
}

// ProgressDestination carries progress updates back to one client.
func ProgressDestination(replyTo string) string {
	return "jobs." + replyTo + ".progress"
}

// WorkerJobsDestination carries assignments and cancellations to one worker.
func WorkerJobsDestination(workerID string) string {
	return "workers." + workerID + ".jobs"
}
