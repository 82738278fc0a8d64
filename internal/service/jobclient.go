package service

import (
	"time"

	"convroute/internal/jobs"

	"github.com/hibiken/asynq"
)

// JobClient schedules delayed work for assignments
type JobClient interface {
	ScheduleResponseTimeout(assignmentID string, at time.Time) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleResponseTimeout(assignmentID string, at time.Time) error {
	return jobs.ScheduleResponseTimeout(c.client, assignmentID, at)
}
