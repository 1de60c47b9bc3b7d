// Package graph wraps all graph-database access behind a client that survives
// transient connectivity failures. Every read and write runs under a bounded
// retry loop with an advisory connectivity probe between attempts; each
// attempt opens its own session so a broken connection never leaks into the
// next try. Writes are not transactional across the retry boundary, so
// callers issue upsert-style queries that are safe to repeat.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Record is one row returned by a read query, keyed by the query's aliases.
type Record map[string]interface{}

// Counters summarizes the mutations applied by a write query.
type Counters struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
}

// UnavailableError is returned once all retry attempts against the graph
// database are exhausted. It carries the last underlying cause.
type UnavailableError struct {
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("graph store unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap exposes the last underlying cause for errors.Is/As.
func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// IsUnavailable reports whether err wraps an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Client issues parameterized queries against the graph database with bounded
// retries and fixed backoff. The probe and run functions are indirected so
// tests can inject faults without a live server.
type Client struct {
	driver     neo4j.DriverWithContext
	database   string
	retryCount int
	backoff    time.Duration
	log        *logger.Logger

	run   func(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error)
	probe func(ctx context.Context) error
	sleep func(ctx context.Context, d time.Duration)
}

// NewClient connects to the graph database and returns a resilient client.
// Parameters:
//   - cfg: graph connection and retry configuration.
//   - log: base logger.
// Returns:
//   - *Client: initialized client.
//   - error: non-nil if the driver cannot be constructed.
func NewClient(cfg *config.GraphConfig, log *logger.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.MaxPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxPoolSize
			}
			if cfg.MaxConnLifetime > 0 {
				c.MaxConnectionLifetime = cfg.MaxConnLifetime
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	c := &Client{
		driver:     driver,
		database:   cfg.Database,
		retryCount: retryCount,
		backoff:    backoff,
		log:        log.WithField(logger.FieldComponent, "graph"),
	}
	c.run = c.runSession
	c.probe = driver.VerifyConnectivity
	c.sleep = sleepContext
	return c, nil
}

// Close releases the underlying driver.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if shutdown fails.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Read executes a read query with bounded retries.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - query: parameterized Cypher query.
//   - params: query parameters.
// Returns:
//   - []Record: result rows.
//   - error: *UnavailableError once retries are exhausted.
func (c *Client) Read(ctx context.Context, query string, params map[string]interface{}) ([]Record, error) {
	records, _, err := c.do(ctx, query, params, false)
	return records, err
}

// Write executes a mutating query with bounded retries. Retried writes must
// be idempotent at the query level (MERGE/upsert); this layer does not make
// them transactional across attempts.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - query: parameterized Cypher query.
//   - params: query parameters.
// Returns:
//   - Counters: mutation counters from the successful attempt.
//   - error: *UnavailableError once retries are exhausted.
func (c *Client) Write(ctx context.Context, query string, params map[string]interface{}) (Counters, error) {
	_, counters, err := c.do(ctx, query, params, true)
	return counters, err
}

// do runs the bounded retry loop shared by Read and Write. On every attempt
// after the first it probes connectivity; a failed probe waits one backoff
// interval and probes again, then the operation is attempted regardless --
// the probe is advisory, not gating.
func (c *Client) do(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, Counters{}, err
		}
		if attempt > 1 {
			if err := c.probe(ctx); err != nil {
				c.log.WithError(err).WithField("attempt", attempt).Warn("Connectivity probe failed, backing off")
				c.sleep(ctx, c.backoff)
				if err := c.probe(ctx); err != nil {
					c.log.WithError(err).WithField("attempt", attempt).Warn("Connectivity probe still failing, attempting operation anyway")
				}
			}
		}

		records, counters, err := c.run(ctx, query, params, write)
		if err == nil {
			return records, counters, nil
		}
		lastErr = err
		c.log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"write":   write,
		}).Warn("Graph operation failed")
	}
	return nil, Counters{}, &UnavailableError{Attempts: c.retryCount, Cause: lastErr}
}

// runSession executes one attempt in a fresh session. Sessions are never
// reused across attempts.
func (c *Client) runSession(ctx context.Context, query string, params map[string]interface{}, write bool) ([]Record, Counters, error) {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, Counters{}, err
	}

	var records []Record
	for result.Next(ctx) {
		rec := result.Record()
		row := make(Record, len(rec.Keys))
		for _, key := range rec.Keys {
			value, _ := rec.Get(key)
			row[key] = value
		}
		records = append(records, row)
	}
	if err := result.Err(); err != nil {
		return nil, Counters{}, err
	}

	summary, err := result.Consume(ctx)
	if err != nil {
		return nil, Counters{}, err
	}
	stats := summary.Counters()
	counters := Counters{
		NodesCreated:         stats.NodesCreated(),
		NodesDeleted:         stats.NodesDeleted(),
		RelationshipsCreated: stats.RelationshipsCreated(),
		RelationshipsDeleted: stats.RelationshipsDeleted(),
		PropertiesSet:        stats.PropertiesSet(),
	}
	return records, counters, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
