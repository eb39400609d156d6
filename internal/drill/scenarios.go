package drill

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/pkg/sdk"
)

// ChatScenario streams one short chat turn per hit, rotating thread ids so
// session rate limits spread the way real traffic does. The stream is
// drained fully; an in-stream error frame counts as the mapped status, not
// as a transport failure.
func ChatScenario(client *sdk.Client, threads int, webSearch bool) Scenario {
	if threads < 1 {
		threads = 1
	}
	var seq atomic.Int64
	return Scenario{
		Name: "chat_stream",
		Hit: func(ctx context.Context) (int, error) {
			n := seq.Add(1)
			stream, err := client.ChatStream(ctx, sdk.ChatRequest{
				ThreadID:  fmt.Sprintf("drill-%d", n%int64(threads)),
				Content:   fmt.Sprintf("drill message %d", n),
				WebSearch: webSearch,
			})
			if err != nil {
				return statusOf(err), transportErr(err)
			}
			defer stream.Close()
			if _, _, err := stream.Collect(); err != nil {
				return statusOf(err), transportErr(err)
			}
			return http.StatusOK, nil
		},
	}
}

// HealthScenario hits the readiness view.
func HealthScenario(client *sdk.Client) Scenario {
	return Scenario{
		Name: "health",
		Hit: func(ctx context.Context) (int, error) {
			if _, err := client.Health(ctx); err != nil {
				return statusOf(err), transportErr(err)
			}
			return http.StatusOK, nil
		},
	}
}

// SnapshotScenario hits the operator snapshot; it exercises the bearer
// path and the store read fan-out.
func SnapshotScenario(client *sdk.Client) Scenario {
	return Scenario{
		Name: "reliability_snapshot",
		Hit: func(ctx context.Context) (int, error) {
			if _, err := client.Snapshot(ctx, sdk.SnapshotQuery{WindowMinutes: 5, Limit: 10}); err != nil {
				return statusOf(err), transportErr(err)
			}
			return http.StatusOK, nil
		},
	}
}

// statusOf maps an sdk error to the HTTP status bucket it belongs in. An
// in-stream error frame carries status 0 from the sdk but was a served
// response, so it classifies as a 5xx rather than a network failure.
func statusOf(err error) int {
	if apiErr, ok := err.(*sdk.APIError); ok {
		if apiErr.Status == 0 {
			return http.StatusBadGateway
		}
		return apiErr.Status
	}
	return 0
}

// transportErr strips gateway answers so only real transport failures
// count as network errors.
func transportErr(err error) error {
	if _, ok := err.(*sdk.APIError); ok {
		return nil
	}
	return err
}

// ByName builds the named scenario against the client.
func ByName(name string, client *sdk.Client) (Scenario, error) {
	switch name {
	case "chat_stream":
		return ChatScenario(client, 16, false), nil
	case "chat_stream_search":
		return ChatScenario(client, 16, true), nil
	case "health":
		return HealthScenario(client), nil
	case "reliability_snapshot":
		return SnapshotScenario(client), nil
	default:
		return Scenario{}, fmt.Errorf("unknown drill scenario %q", name)
	}
}
