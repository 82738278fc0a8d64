package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeResponseTimeout fires when an assignment's first-response window closes
const TypeResponseTimeout = "assignment:response_timeout"

// TimeoutHandler decides what happens to an assignment whose response window closed.
// It must tolerate replays: the assignment may have been answered or closed meanwhile.
type TimeoutHandler interface {
	HandleResponseTimeout(ctx context.Context, assignmentID string) error
}

type JobServer struct {
	server  *asynq.Server
	client  *asynq.Client
	handler TimeoutHandler
	log     *zap.Logger
}

func NewJobServer(redisAddr string, handler TimeoutHandler, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:  server,
		client:  client,
		handler: handler,
		log:     log,
	}, client
}

func (js *JobServer) Start() error {
	return js.server.Start(js.mux())
}

func (js *JobServer) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeResponseTimeout, js.handleResponseTimeout)
	return mux
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

func (js *JobServer) handleResponseTimeout(ctx context.Context, t *asynq.Task) error {
	assignmentID := string(t.Payload())
	if assignmentID == "" {
		return fmt.Errorf("empty assignment id: %w", asynq.SkipRetry)
	}

	if err := js.handler.HandleResponseTimeout(ctx, assignmentID); err != nil {
		return fmt.Errorf("failed to handle response timeout: %w", err)
	}

	js.log.Debug("Response timeout handled", zap.String("assignment_id", assignmentID))
	return nil
}

// ScheduleResponseTimeout enqueues the timeout check for at. A check already
// scheduled for the same assignment is left as is.
func ScheduleResponseTimeout(client *asynq.Client, assignmentID string, at time.Time) error {
	task := asynq.NewTask(TypeResponseTimeout, []byte(assignmentID))
	_, err := client.Enqueue(task,
		asynq.ProcessAt(at),
		asynq.TaskID(responseTimeoutTaskID(assignmentID)),
		asynq.Queue("critical"),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func responseTimeoutTaskID(assignmentID string) string {
	return "timeout:" + assignmentID
}
