//go:build integration

package forward

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func TestAuditLens_Forward_Redpanda_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rp, err := redpanda.Run(ctx, "redpandadata/redpanda:v24.2.6")
	testcontainers.CleanupContainer(t, rp)
	require.NoError(t, err)
	broker, err := rp.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	topic := "auditlens-" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-"))
	kc, err := NewKafkaProducer(ctx, &ProducerConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		Compression: "zstd",
		Linger:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	require.NoError(t, kc.EnsureTopic(ctx))
	require.NoError(t, kc.EnsureTopic(ctx))

	f, err := New(&Config{Logger: newTestLogger(), Producer: kc})
	require.NoError(t, err)
	require.NoError(t, f.Handle(ctx, knowledge.FinalResponseReady{
		Header: knowledge.NewHeader("sess-int", time.Now()),
		Response: knowledge.FinalResponse{
			SessionID: "sess-int",
			Narrative: "🔍 Key Findings:\n• CT averages 82.5",
			FollowUps: []string{"Break down by body part"},
		},
	}))
	require.NoError(t, kc.Flush(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var rec *kgo.Record
	require.Eventually(t, func() bool {
		pctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()
		fetches := consumer.PollFetches(pctx)
		iter := fetches.RecordIter()
		if iter.Done() {
			return false
		}
		rec = iter.Next()
		return true
	}, 30*time.Second, 50*time.Millisecond)

	require.Equal(t, "sess-int", string(rec.Key))
	var decoded struct {
		Kind     string                  `json:"kind"`
		Response knowledge.FinalResponse `json:"response"`
	}
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	require.Equal(t, "final_response_ready", decoded.Kind)
	require.Equal(t, "🔍 Key Findings:\n• CT averages 82.5", decoded.Response.Narrative)
}
