package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolqueue"
)

func sinkConfig() *config.Config {
	return &config.Config{
		ToolQueue: config.ToolQueueConfig{
			MaxPerRun:     5,
			MaxAttempts:   3,
			ClaimScanSize: 20,
			LeaseMs:       30_000,
			RetryBaseMs:   100,
			RetentionMs:   3_600_000,
			QueuedMaxByTool: map[string]int{
				config.ToolSearchGlobal: 1,
			},
		},
	}
}

func TestQueueSinkEnqueuesPrewarmJobs(t *testing.T) {
	st := store.NewMemory()
	q := toolqueue.New(st)
	cfg := sinkConfig()
	cfg.ToolQueue.QueuedMaxByTool[config.ToolSearchGlobal] = 10
	sink := NewQueueSink(q, func() *config.Config { return cfg }, nil)
	ctx := context.Background()

	require.NoError(t, sink.HandleGmail(ctx, GmailNotification{EmailAddress: "u@example.com", HistoryID: 3, MessageID: "m-1"}))
	require.NoError(t, sink.HandleWhatsApp(ctx, WhatsAppDelivery{EntryID: "entry-9", Payload: []byte(`{}`)}))

	jobs, err := st.ListJobsByStatus(ctx, store.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, store.JobSourceChatAction, job.Source)
		assert.Equal(t, config.ToolSearchGlobal, job.ToolName)
	}
}

func TestQueueSinkDropsPrewarmWhenSaturated(t *testing.T) {
	st := store.NewMemory()
	q := toolqueue.New(st)
	cfg := sinkConfig()
	sink := NewQueueSink(q, func() *config.Config { return cfg }, nil)
	ctx := context.Background()

	require.NoError(t, sink.HandleGmail(ctx, GmailNotification{EmailAddress: "a@example.com", HistoryID: 1, MessageID: "m-1"}))
	// Queue cap for search_global is 1; the second pre-warm is dropped
	// without surfacing an error, webhook redelivery covers it.
	require.NoError(t, sink.HandleGmail(ctx, GmailNotification{EmailAddress: "b@example.com", HistoryID: 2, MessageID: "m-2"}))

	jobs, err := st.ListJobsByStatus(ctx, store.JobQueued, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
