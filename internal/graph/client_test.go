package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lukewei/docgraph/internal/logger"
)

func newTestClient(retryCount int, run func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error)) *Client {
	c := &Client{
		retryCount: retryCount,
		backoff:    time.Millisecond,
		log:        logger.GetDefault(),
		run:        run,
		probe:      func(ctx context.Context) error { return nil },
		sleep:      func(ctx context.Context, d time.Duration) {},
	}
	return c
}

func TestWriteSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	c := newTestClient(3, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		attempts++
		return nil, Counters{NodesCreated: 1}, nil
	})

	counters, err := c.Write(context.Background(), "MERGE (n)", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if counters.NodesCreated != 1 {
		t.Errorf("expected counters from successful attempt, got %+v", counters)
	}
}

func TestReadRecoversWithinRetryBudget(t *testing.T) {
	transient := errors.New("connection reset")
	attempts := 0
	c := newTestClient(3, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		attempts++
		if attempts < 3 {
			return nil, Counters{}, transient
		}
		return []Record{{"n": int64(1)}}, Counters{}, nil
	})

	records, err := c.Read(context.Background(), "MATCH (n) RETURN n", nil)
	if err != nil {
		t.Fatalf("expected recovery within budget, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(records) != 1 {
		t.Errorf("expected records from final attempt, got %d", len(records))
	}
}

func TestUnavailableAfterExhaustion(t *testing.T) {
	cause := errors.New("connection refused")
	attempts := 0
	c := newTestClient(3, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		attempts++
		return nil, Counters{}, cause
	})

	_, err := c.Write(context.Background(), "MERGE (n)", nil)
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %T", err)
	}
	if ue.Attempts != 3 {
		t.Errorf("expected Attempts=3, got %d", ue.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the last cause to be preserved")
	}
	if !IsUnavailable(err) {
		t.Error("IsUnavailable should report true")
	}
}

func TestProbeIsAdvisoryNotGating(t *testing.T) {
	probeCalls := 0
	sleeps := 0
	attempts := 0

	c := newTestClient(2, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		attempts++
		if attempts == 1 {
			return nil, Counters{}, errors.New("broken pipe")
		}
		return nil, Counters{}, nil
	})
	c.probe = func(ctx context.Context) error {
		probeCalls++
		return errors.New("probe refused")
	}
	c.sleep = func(ctx context.Context, d time.Duration) { sleeps++ }

	_, err := c.Write(context.Background(), "MERGE (n)", nil)
	if err != nil {
		t.Fatalf("operation must still be attempted when the probe fails: %v", err)
	}
	// First attempt never probes; the second probes, backs off, probes again.
	if probeCalls != 2 {
		t.Errorf("expected 2 probe calls, got %d", probeCalls)
	}
	if sleeps != 1 {
		t.Errorf("expected 1 backoff sleep, got %d", sleeps)
	}
	if attempts != 2 {
		t.Errorf("expected 2 operation attempts, got %d", attempts)
	}
}

func TestNoProbeBeforeFirstAttempt(t *testing.T) {
	probeCalls := 0
	c := newTestClient(3, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		return nil, Counters{}, nil
	})
	c.probe = func(ctx context.Context) error {
		probeCalls++
		return nil
	}

	if _, err := c.Read(context.Background(), "MATCH (n) RETURN n", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if probeCalls != 0 {
		t.Errorf("first attempt must not probe, got %d probe calls", probeCalls)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	attempts := 0
	c := newTestClient(5, func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
		attempts++
		return nil, Counters{}, errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) { cancel() }
	c.probe = func(ctx context.Context) error { return errors.New("down") }

	_, err := c.Read(ctx, "MATCH (n) RETURN n", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Attempt 2 still runs (the probe is advisory); attempt 3 must not start.
	if attempts != 2 {
		t.Errorf("expected retry loop to stop after cancellation, got %d attempts", attempts)
	}
}
