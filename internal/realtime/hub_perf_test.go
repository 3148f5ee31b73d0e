package realtime

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/threadline/internal/dto"
)

func TestHubFanOutP95Under50ms(t *testing.T) {
	if testing.Short() {
		t.Skip("fan-out timing skipped in short mode")
	}

	const subscribers = 500
	const rounds = 100

	hub := NewHub(4, nil, zerolog.Nop())
	clients := make([]*Client, 0, subscribers)
	for i := 0; i < subscribers; i++ {
		client := hub.NewClient(uint(i + 2))
		hub.Subscribe(client, 1)
		clients = append(clients, client)
	}

	durations := make([]time.Duration, 0, rounds)
	for round := 0; round < rounds; round++ {
		event := NewMessageEvent(dto.MessageResponse{ID: uint(round + 1), ThreadID: 1, SenderID: 1, Content: "fan out"}, nil)

		start := time.Now()
		hub.Publish(context.Background(), event)
		for _, client := range clients {
			select {
			case <-client.Events():
			case <-time.After(time.Second):
				t.Fatalf("client %d missed round %d", client.UserID(), round)
			}
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)
	require.LessOrEqual(t, p95, 50*time.Millisecond, "fan-out p95 was %s", p95)
	require.Equal(t, subscribers, hub.SubscriberCount(1))
}

func BenchmarkHubDeliver(b *testing.B) {
	hub := NewHub(1024, nil, zerolog.Nop())
	for i := 0; i < 100; i++ {
		client := hub.NewClient(uint(i + 2))
		hub.Subscribe(client, 1)
		go func() {
			for {
				select {
				case <-client.Events():
				case <-client.Done():
					return
				}
			}
		}()
		b.Cleanup(func() { client.Close() })
	}
	event := NewMessageEvent(dto.MessageResponse{ID: 1, ThreadID: 1, SenderID: 1, Content: "bench"}, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Deliver(event)
	}
}

func percentile(values []time.Duration, pct float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(math.Ceil(pct*float64(len(values)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}
