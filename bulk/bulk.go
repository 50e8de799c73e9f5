// Package bulk imports delimited files of destinations into the purchase
// queue and exports purchases as CSV.
package bulk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ussd-airtime-bot/model"
	"ussd-airtime-bot/purchase"
)

var ErrNoDestinationColumn = errors.New("no NUMERO or destination column in header")

// destination column names, matched case-insensitively
var destinationColumns = []string{"NUMERO", "destination"}

var delimiters = []rune{',', ';', '\t', '|'}

// Enqueuer is the part of the purchase machine an import needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req purchase.Request) (*model.Transaction, error)
}

type LineError struct {
	Line  int
	Value string
	Err   error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d (%s): %v", e.Line, e.Value, e.Err)
}

type ImportResult struct {
	Queued []*model.Transaction
	Errors []LineError
}

// Import queues one bundle purchase of amount on simID per non-empty row.
// Rows that cannot be queued are reported and skipped.
func Import(ctx context.Context, r io.Reader, simID uint, amount string, q Enqueuer) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = reader.Comma != '\t'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &ImportResult{}, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	column := destinationColumn(header)
	if column < 0 {
		return nil, ErrNoDestinationColumn
	}

	result := &ImportResult{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return result, fmt.Errorf("read import: %w", err)
			}
			result.Errors = append(result.Errors, LineError{Line: parseErr.Line, Err: err})
			continue
		}
		line, _ := reader.FieldPos(0)
		if column >= len(row) {
			continue
		}
		destination := strings.TrimSpace(row[column])
		if destination == "" {
			continue
		}
		tx, err := q.Enqueue(ctx, purchase.Request{SIMID: simID, Kind: model.KindBundlePurchase, Crux: destination, Amount: amount})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors = append(result.Errors, LineError{Line: line, Value: destination, Err: err})
			continue
		}
		result.Queued = append(result.Queued, tx)
	}
	return result, nil
}

// sniffDelimiter picks the candidate that occurs most often in the first line.
func sniffDelimiter(data []byte) rune {
	first, _, _ := bufio.NewReader(bytes.NewReader(data)).ReadLine()
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := strings.Count(string(first), string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func destinationColumn(header []string) int {
	for i, name := range header {
		name = strings.Trim(strings.TrimSpace(name), `"`)
		for _, want := range destinationColumns {
			if strings.EqualFold(name, want) {
				return i
			}
		}
	}
	return -1
}

var exportHeader = []string{"ref", "kind", "operator", "destination", "recharge_code", "amount", "status", "initiated", "notification", "note"}

// Export writes transactions as CSV with a header row.
func Export(w io.Writer, txs []model.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, tx := range txs {
		initiated := ""
		if tx.InitiatedAt != nil {
			initiated = tx.InitiatedAt.Format(time.RFC3339)
		}
		notification := ""
		if tx.Notification != nil {
			notification = tx.Notification.Text
		}
		record := []string{
			tx.Ref,
			string(tx.Kind),
			tx.Operator,
			tx.Destination(),
			tx.RechargeCode(),
			tx.Amount,
			tx.Status.String(),
			initiated,
			notification,
			tx.Note,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
