package events

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestKafkaPublishDoesNotWaitForBroker(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	// Nothing listens on port 1, so every delivery attempt fails.
	k := NewKafka([]string{"127.0.0.1:1"}, "transcode-status", logger)

	start := time.Now()
	for i := 0; i < 5; i++ {
		err := k.Publish(context.Background(), JobEvent{JobID: "job-1", State: "TRANSCODING", At: time.Now()})
		if err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked for %s", elapsed)
	}

	if err := k.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !strings.Contains(logs.String(), "publish job events failed") {
		t.Fatalf("expected delivery failure to be logged, got %q", logs.String())
	}
}
