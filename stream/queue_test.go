package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"goa.design/flume/model"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.AddText("a")
	q.AddText("b")
	q.AddDebug("d")
	q.Close()

	ctx := context.Background()
	for _, want := range []string{"a", "b", "d"} {
		chunk, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if chunk.Text != want {
			t.Fatalf("Get = %q, want %q", chunk.Text, want)
		}
	}
	if _, err := q.Get(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Get after drain = %v, want io.EOF", err)
	}
	// Exhaustion is stable.
	if _, err := q.Get(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("second Get after drain = %v, want io.EOF", err)
	}
}

func TestQueuePutAfterCloseDropped(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.AddText("late")
	if _, err := q.Get(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatal("chunk put after Close was delivered")
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.AddText("hello")
	}()
	chunk, err := q.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if chunk.Text != "hello" {
		t.Fatalf("Get = %q", chunk.Text)
	}
}

func TestQueueGetHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get = %v, want deadline exceeded", err)
	}
}

func TestProduceSynthesizesStop(t *testing.T) {
	q := NewQueue()
	a := Produce(context.Background(), q, func(context.Context) error {
		q.AddText("partial")
		return nil
	})

	chunks := drain(t, a)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != model.ChunkTypeText {
		t.Fatalf("chunks[0] = %s", chunks[0].Type)
	}
	if chunks[1].Type != model.ChunkTypeStop || chunks[1].StopReason != model.StopEndTurn {
		t.Fatalf("chunks[1] = %+v, want synthesized end_turn stop", chunks[1])
	}

	// Exhaustion is idempotent.
	if _, err := a.Recv(); !errors.Is(err, io.EOF) {
		t.Fatal("Recv after EOF did not return io.EOF")
	}
}

func TestProduceExplicitStopNotDuplicated(t *testing.T) {
	q := NewQueue()
	a := Produce(context.Background(), q, func(context.Context) error {
		q.AddText("full")
		q.Put(model.StopChunk(model.StopToolUse))
		return nil
	})

	chunks := drain(t, a)
	var stops []model.StopReason
	for _, c := range chunks {
		if c.Type == model.ChunkTypeStop {
			stops = append(stops, c.StopReason)
		}
	}
	if len(stops) != 1 || stops[0] != model.StopToolUse {
		t.Fatalf("stops = %v, want exactly [tool_use]", stops)
	}
}

func TestProduceErrorBecomesChunk(t *testing.T) {
	q := NewQueue()
	boom := errors.New("boom")
	a := Produce(context.Background(), q, func(context.Context) error {
		q.AddText("before failure")
		return boom
	})

	chunks := drain(t, a)
	var found bool
	for _, c := range chunks {
		if c.Type == model.ChunkTypeError && errors.Is(c.Err, boom) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no error chunk in %+v", chunks)
	}
}

func TestProducePanicBecomesChunk(t *testing.T) {
	q := NewQueue()
	a := Produce(context.Background(), q, func(context.Context) error {
		panic("kaboom")
	})

	chunks := drain(t, a)
	var found bool
	for _, c := range chunks {
		if c.Type == model.ChunkTypeError && c.Err != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("no error chunk in %+v", chunks)
	}
}

func TestProduceCloseJoinsProducer(t *testing.T) {
	q := NewQueue()
	finished := make(chan struct{})
	a := Produce(context.Background(), q, func(ctx context.Context) error {
		defer close(finished)
		<-ctx.Done()
		return ctx.Err()
	})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Close returned before the producer finished")
	}
}

func drain(t *testing.T, a *QueueAdapter) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := a.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}
