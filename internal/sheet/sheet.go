// Package sheet reads worksheets of a Google spreadsheet into batches.
package sheet

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	etl "github.com/paccafe/retail-etl"
)

// ValuesGetter returns the cell values of a range, row by row.
type ValuesGetter interface {
	Values(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
}

// Client reads values through the Sheets API with a service account.
type Client struct {
	svc *sheets.Service
}

// NewClient creates a read-only Sheets client from a service-account
// credentials file.
func NewClient(ctx context.Context, credentialsPath string) (*Client, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: sheets client: %w", etl.ErrConnection, err)
	}
	return &Client{svc: svc}, nil
}

// Values implements ValuesGetter.
func (c *Client) Values(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Reader turns worksheets into batches.
type Reader struct {
	values ValuesGetter
}

// NewReader creates a Reader over values.
func NewReader(values ValuesGetter) *Reader {
	return &Reader{values: values}
}

// Read returns every row of worksheet. The first row is the header: columns
// with an empty header are dropped, short rows are padded with NULL, and
// empty cells are NULL. Rows with no value at all are skipped. The batch is
// named after the worksheet.
func (r *Reader) Read(ctx context.Context, spreadsheetID, worksheet string) (*etl.Batch, error) {
	values, err := r.values.Values(ctx, spreadsheetID, worksheet)
	if err != nil {
		return nil, fmt.Errorf("%w: worksheet %s: %w", etl.ErrQuery, worksheet, err)
	}
	if len(values) == 0 {
		return etl.NewBatch(worksheet), nil
	}

	var (
		columns []string
		keep    []int
	)
	seen := make(map[string]bool)
	for i, h := range values[0] {
		name := strings.TrimSpace(fmt.Sprint(h))
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: worksheet %s: duplicate header %q", etl.ErrQuery, worksheet, name)
		}
		seen[name] = true
		columns = append(columns, name)
		keep = append(keep, i)
	}

	b := etl.NewBatch(worksheet, columns...)
	for _, raw := range values[1:] {
		row := make([]any, len(keep))
		empty := true
		for j, at := range keep {
			if at < len(raw) && !etl.IsNull(raw[at]) {
				row[j] = raw[at]
				empty = false
			}
		}
		if empty {
			continue
		}
		b.Rows = append(b.Rows, row)
	}
	return b, nil
}
