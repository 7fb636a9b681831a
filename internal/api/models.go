package api

import "time"

// JobRequest launches an indexing run against the YAML configuration file
// at ConfigPath, loaded with config.Load.
type JobRequest struct {
	ConfigPath string `json:"config_path"`
}

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus represents the runtime state of a launched job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"` // queued | running | finished | error | cancelled
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TopicsResponse lists the event-bus topics a job's sinks have registered
// for discovery (spec §6: "An external facade ... translates client
// requests into subscriptions on the bus").
type TopicsResponse struct {
	Topics []TopicView `json:"topics"`
}

// TopicView is the wire shape of an eventbus.TopicInfo.
type TopicView struct {
	Topic       string   `json:"topic"`
	FilterKeys  []string `json:"filter_keys,omitempty"`
	Description string   `json:"description,omitempty"`
}
