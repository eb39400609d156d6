// Package tasks schedules tool-job worker runs. A run is always the same
// HTTP POST to the gateway's internal kick endpoint; what differs is the
// carrier. Deployed regions hand the POST to Cloud Tasks so it survives
// process restarts, local and test setups fire it from an in-process timer.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
)

const (
	kickPath          = "/internal/tool-jobs/process"
	createTaskTimeout = 5 * time.Second
	localKickTimeout  = 15 * time.Second
)

// Scheduler requests worker runs against the kick endpoint. It satisfies
// the queue's Scheduler interface.
type Scheduler struct {
	cloud     *cloudtasks.Client
	queuePath string
	targetURL string
	token     string
	httpc     *http.Client
	logger    *slog.Logger
	now       func() time.Time
	after     func(d time.Duration, fn func())
}

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

func WithHTTPClient(c *http.Client) Option  { return func(s *Scheduler) { s.httpc = c } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithTimer replaces the deferred-fire primitive, letting tests run the
// local path synchronously.
func WithTimer(fn func(d time.Duration, f func())) Option {
	return func(s *Scheduler) { s.after = fn }
}

// NewLocal builds a scheduler that fires worker kicks from an in-process
// timer. targetBaseURL is the gateway's own base URL, usually loopback.
func NewLocal(targetBaseURL, workerToken string, opts ...Option) *Scheduler {
	s := &Scheduler{
		targetURL: kickURL(targetBaseURL),
		token:     workerToken,
		httpc:     &http.Client{Timeout: localKickTimeout},
		logger:    slog.Default(),
		now:       time.Now,
		after:     func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCloud builds a scheduler that enqueues the kick as a Cloud Tasks HTTP
// task, falling back to the local timer when the enqueue fails.
func NewCloud(ctx context.Context, cfg config.TasksConfig, workerToken string, opts ...Option) (*Scheduler, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	s := NewLocal(cfg.TargetBaseURL, workerToken, opts...)
	s.cloud = client
	s.queuePath = fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.ProjectID, cfg.LocationID, cfg.QueueID)
	s.logger.Info("cloud tasks scheduler ready", "queue", s.queuePath, "target", s.targetURL)
	return s, nil
}

func kickURL(base string) string {
	return strings.TrimSuffix(base, "/") + kickPath
}

// Schedule requests one worker run after delay. Best-effort on every path:
// the queue's poll loop makes progress even when a kick is lost.
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration) {
	if s == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	if s.cloud != nil {
		s.scheduleCloud(delay)
		return
	}
	s.scheduleLocal(delay)
}

// scheduleCloud enqueues off the hot path; a failed enqueue degrades to the
// local timer so the kick still happens while this process lives.
func (s *Scheduler) scheduleCloud(delay time.Duration) {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.targetURL,
					Headers: map[string]string{
						"Content-Type":           "application/json",
						config.WorkerTokenHeader: s.token,
					},
				},
			},
		},
	}
	if delay > 0 {
		req.Task.ScheduleTime = timestamppb.New(s.now().Add(delay))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), createTaskTimeout)
		defer cancel()

		if _, err := s.cloud.CreateTask(ctx, req); err != nil {
			s.logger.Warn("cloud task enqueue failed, falling back to local kick", "error", err)
			s.scheduleLocal(delay)
		}
	}()
}

func (s *Scheduler) scheduleLocal(delay time.Duration) {
	s.after(delay, func() {
		req, err := http.NewRequest(http.MethodPost, s.targetURL, nil)
		if err != nil {
			s.logger.Warn("build worker kick", "error", err)
			return
		}
		req.Header.Set(config.WorkerTokenHeader, s.token)

		resp, err := s.httpc.Do(req)
		if err != nil {
			s.logger.Warn("worker kick failed", "target", s.targetURL, "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			s.logger.Warn("worker kick rejected", "target", s.targetURL, "status", resp.StatusCode)
		}
	})
}

// Close releases the Cloud Tasks client if one was dialed.
func (s *Scheduler) Close() error {
	if s == nil || s.cloud == nil {
		return nil
	}
	return s.cloud.Close()
}
