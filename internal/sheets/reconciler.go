package sheets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"leadsheet/internal/extract"
	"leadsheet/internal/model"
)

// TableClient is the slice of the destination API the reconciler needs.
type TableClient interface {
	GetRange(ctx context.Context, tenantID, spreadsheetID, rng string) ([][]string, error)
	Append(ctx context.Context, tenantID, spreadsheetID, rng string, row []string) error
	Update(ctx context.Context, tenantID, spreadsheetID, rng string, row []string) error
}

// RowContext carries the deterministic fallback inputs for row assembly.
type RowContext struct {
	ThreadKey   string
	ContactName string
	CreatedAt   time.Time
}

// Reconciler decides append vs update for one extracted record via a
// key-column lookup and writes the assembled row. It never retries on its
// own; destination-side permission and not-found failures are surfaced
// as-is for the caller to classify.
type Reconciler struct {
	client TableClient
	logger *zap.Logger
}

func NewReconciler(client TableClient, logger *zap.Logger) *Reconciler {
	return &Reconciler{client: client, logger: logger}
}

// Reconcile writes the record into dest and reports what happened.
// A non-nil error always accompanies an error outcome.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, dest model.Destination, fields map[string]string, rc RowContext) (model.Outcome, error) {
	cells := assembleCells(dest, fields, rc)

	key := dest.KeyColumn()
	if key == nil {
		// No key column configured: lookup is impossible, always append.
		if err := r.append(ctx, tenantID, dest, cells); err != nil {
			return model.Errored(err.Error()), err
		}
		return model.Appended(), nil
	}

	keyValue := cells[key.ID]
	rowIdx, err := r.findRow(ctx, tenantID, dest, key, keyValue)
	if err != nil {
		return model.Errored(err.Error()), err
	}

	if rowIdx == 0 {
		if err := r.append(ctx, tenantID, dest, cells); err != nil {
			return model.Errored(err.Error()), err
		}
		return model.Appended(), nil
	}

	if !dest.AutoUpdateExisting {
		return model.Skipped("auto-update disabled"), nil
	}

	if err := r.update(ctx, tenantID, dest, rowIdx, cells); err != nil {
		return model.Errored(err.Error()), err
	}
	return model.Updated(rowIdx), nil
}

// findRow reads the full key column and linear-scans for an exact match,
// returning a 1-based row index or 0 for not found.
func (r *Reconciler) findRow(ctx context.Context, tenantID string, dest model.Destination, key *model.ColumnSpec, keyValue string) (int, error) {
	rng := rangeRef(dest.SheetName, fmt.Sprintf("%s:%s", key.Address, key.Address))
	rows, err := r.client.GetRange(ctx, tenantID, dest.SpreadsheetID, rng)
	if err != nil {
		return 0, fmt.Errorf("read key column: %w", err)
	}
	for i, row := range rows {
		if len(row) > 0 && row[0] == keyValue {
			return i + 1, nil
		}
	}
	return 0, nil
}

// append writes one new row; the destination service picks the insertion
// point. Cells land at their addressed offsets so config order never
// dictates destination layout.
func (r *Reconciler) append(ctx context.Context, tenantID string, dest model.Destination, cells map[string]string) error {
	maxIdx := 0
	for _, c := range dest.Columns {
		if idx := model.ColumnIndex(c.Address); idx > maxIdx {
			maxIdx = idx
		}
	}
	row := make([]string, maxIdx)
	for _, c := range dest.Columns {
		row[model.ColumnIndex(c.Address)-1] = cells[c.ID]
	}

	rng := rangeRef(dest.SheetName, fmt.Sprintf("A:%s", columnLetter(maxIdx)))
	if err := r.client.Append(ctx, tenantID, dest.SpreadsheetID, rng, row); err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return nil
}

// update overwrites exactly the matched row, touching only addressed
// columns: contiguous column runs become one Update call each, so gap
// columns owned by other tooling are left alone.
func (r *Reconciler) update(ctx context.Context, tenantID string, dest model.Destination, rowIdx int, cells map[string]string) error {
	type cell struct {
		idx   int
		value string
	}
	ordered := make([]cell, 0, len(dest.Columns))
	for _, c := range dest.Columns {
		ordered = append(ordered, cell{idx: model.ColumnIndex(c.Address), value: cells[c.ID]})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })

	for start := 0; start < len(ordered); {
		end := start
		for end+1 < len(ordered) && ordered[end+1].idx == ordered[end].idx+1 {
			end++
		}
		run := make([]string, 0, end-start+1)
		for _, c := range ordered[start : end+1] {
			run = append(run, c.value)
		}
		rng := rangeRef(dest.SheetName, fmt.Sprintf("%s%d:%s%d",
			columnLetter(ordered[start].idx), rowIdx,
			columnLetter(ordered[end].idx), rowIdx,
		))
		if err := r.client.Update(ctx, tenantID, dest.SpreadsheetID, rng, run); err != nil {
			return fmt.Errorf("update row %d: %w", rowIdx, err)
		}
		start = end + 1
	}
	return nil
}

// assembleCells maps column ID to the value that will be written. The
// extracted value wins unless empty or sentinel, in which case the
// deterministic fallback for the column's semantic type applies. A
// fallback never overwrites a real extracted value.
func assembleCells(dest model.Destination, fields map[string]string, rc RowContext) map[string]string {
	cells := make(map[string]string, len(dest.Columns))
	for _, c := range dest.Columns {
		v := strings.TrimSpace(fields[c.ID])
		if v != "" && v != extract.Sentinel {
			cells[c.ID] = v
			continue
		}
		switch c.Type {
		case model.SemanticPhone:
			cells[c.ID] = rc.ThreadKey
		case model.SemanticDate:
			cells[c.ID] = rc.CreatedAt.Format(time.RFC3339)
		case model.SemanticName:
			if rc.ContactName != "" {
				cells[c.ID] = rc.ContactName
			} else {
				cells[c.ID] = extract.Sentinel
			}
		default:
			cells[c.ID] = extract.Sentinel
		}
	}
	return cells
}

func rangeRef(sheet, ref string) string {
	if sheet == "" {
		return ref
	}
	return sheet + "!" + ref
}

func columnLetter(idx int) string {
	s := ""
	for idx > 0 {
		idx--
		s = string(rune('A'+idx%26)) + s
		idx /= 26
	}
	return s
}
