// Package bigquery runs statements against BigQuery as synchronous jobs.
package bigquery

import (
	"context"
	"errors"
	"fmt"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"bqddl/internal/warehouse"
)

// Options configures the client.
type Options struct {
	Project string
	// Location pins jobs to a region, e.g. "EU". Empty lets BigQuery decide.
	Location        string
	CredentialsFile string
}

// Client implements warehouse.Querier.
type Client struct {
	bq       *bq.Client
	location string
}

var _ warehouse.Querier = (*Client)(nil)

func Connect(ctx context.Context, o Options) (*Client, error) {
	if o.Project == "" {
		return nil, errors.New("bigquery: project is required")
	}
	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, o.CredentialsFile))
	}
	c, err := bq.NewClient(ctx, o.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	return &Client{bq: c, location: o.Location}, nil
}

func (c *Client) Close() error { return c.bq.Close() }

// Query submits sql and waits for the job. Rows are returned for queries;
// DDL yields none.
func (c *Client) Query(ctx context.Context, sql string) ([]warehouse.Row, error) {
	q := c.bq.Query(sql)
	q.Location = c.location
	job, err := q.Run(ctx)
	if err != nil {
		return nil, describe(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, describe(err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID(), describe(err))
	}
	it, err := job.Read(ctx)
	if err != nil {
		return nil, describe(err)
	}
	return readRows(it, func() bq.Schema { return it.Schema })
}

type rowIterator interface {
	Next(dst interface{}) error
}

// readRows drains it. The schema is only known after the first Next.
func readRows(it rowIterator, schema func() bq.Schema) ([]warehouse.Row, error) {
	var (
		rows  []warehouse.Row
		names []string
	)
	for {
		var vals []bq.Value
		err := it.Next(&vals)
		if errors.Is(err, iterator.Done) {
			return rows, nil
		}
		if err != nil {
			return nil, describe(err)
		}
		if names == nil {
			for _, f := range schema() {
				names = append(names, f.Name)
			}
		}
		row := warehouse.Row{Names: names, Values: make([]any, len(vals))}
		for i, v := range vals {
			row.Values[i] = v
		}
		rows = append(rows, row)
	}
}

// describe flattens API errors into "<code> <reason>: <message>" while
// keeping the original in the chain.
func describe(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	if reason == "" {
		return fmt.Errorf("bigquery %d: %s: %w", gerr.Code, gerr.Message, err)
	}
	return fmt.Errorf("bigquery %d %s: %s: %w", gerr.Code, reason, gerr.Message, err)
}
