package alerts

import (
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
)

// Job is a scheduled job that can be closed
type Job interface {
	Close() error
}

// JobScheduler schedules recurring jobs
type JobScheduler interface {
	Schedule(jobID string, nextWaitInterval cluster.NextWaitInterval, callback func()) (Job, error)
}

// SchedulerFunc adapts a function to the JobScheduler interface
type SchedulerFunc func(jobID string, nextWaitInterval cluster.NextWaitInterval, callback func()) (Job, error)

// Schedule calls f
func (f SchedulerFunc) Schedule(jobID string, nextWaitInterval cluster.NextWaitInterval, callback func()) (Job, error) {
	return f(jobID, nextWaitInterval, callback)
}

// ClusterScheduler returns a JobScheduler backed by Mattermost's cluster job
// system, so in a multi-node deployment only one node polls for a given user.
func ClusterScheduler(api plugin.API) JobScheduler {
	return SchedulerFunc(func(jobID string, nextWaitInterval cluster.NextWaitInterval, callback func()) (Job, error) {
		return cluster.Schedule(api, jobID, nextWaitInterval, callback)
	})
}
