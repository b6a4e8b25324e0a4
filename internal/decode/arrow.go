// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package decode

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
)

// decodeRecord derives one RowChange per row of rec, per the role
// partition in proj.
func decodeRecord(rec arrow.Record, proj *projection) ([]RowChange, error) {
	cols := make(map[string]arrow.Array, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		cols[f.Name] = rec.Column(i)
	}

	changes := make([]RowChange, 0, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		oldVals, oldAnyNonNull, err := extractRow(cols, proj.oldPK, row)
		if err != nil {
			return nil, err
		}
		newVals, newAnyNonNull, err := extractRow(cols, proj.newPK, row)
		if err != nil {
			return nil, err
		}
		oldAllNull := !oldAnyNonNull
		newAllNull := !newAnyNonNull

		payload := make(map[string]any, len(proj.value))
		mask := make(map[string]bool, len(proj.value))
		for _, valName := range proj.value {
			col, ok := cols[valName]
			if !ok {
				return nil, engineerr.Newf(engineerr.MalformedBatch, "value column %q missing from record batch", valName)
			}
			v, err := cellValue(col, row)
			if err != nil {
				return nil, err
			}
			payload[valName] = v
			if changedName, tracked := proj.changed[valName]; tracked {
				changedCol, ok := cols[changedName]
				if !ok {
					return nil, engineerr.Newf(engineerr.MalformedBatch, "changed column %q missing from record batch", changedName)
				}
				flag, err := cellBool(changedCol, row)
				if err != nil {
					return nil, err
				}
				mask[valName] = flag
			} else {
				mask[valName] = true
			}
		}

		switch {
		case oldAllNull && !newAllNull:
			changes = append(changes, RowChange{
				Op:          OpInsert,
				NewKey:      NewKey(newVals, proj.newPK),
				Payload:     payload,
				ChangedMask: mask,
			})
		case newAllNull && !oldAllNull:
			changes = append(changes, RowChange{
				Op:     OpDelete,
				OldKey: NewKey(oldVals, proj.oldPK),
			})
		case !oldAllNull && !newAllNull:
			changes = append(changes, RowChange{
				Op:          OpUpdate,
				OldKey:      NewKey(oldVals, proj.oldPK),
				NewKey:      NewKey(newVals, proj.newPK),
				Payload:     payload,
				ChangedMask: mask,
			})
		default:
			return nil, engineerr.Newf(engineerr.MalformedBatch,
				"row %d: OLD_PK and NEW_PK are both entirely null", row)
		}
	}
	return changes, nil
}

// extractRow reads the named columns at row, returning the values and
// whether any of them was non-null.
func extractRow(cols map[string]arrow.Array, names []string, row int) (map[string]any, bool, error) {
	vals := make(map[string]any, len(names))
	anyNonNull := false
	for _, name := range names {
		col, ok := cols[name]
		if !ok {
			return nil, false, engineerr.Newf(engineerr.MalformedBatch, "PK column %q missing from record batch", name)
		}
		v, err := cellValue(col, row)
		if err != nil {
			return nil, false, err
		}
		if v != nil {
			anyNonNull = true
		}
		vals[name] = v
	}
	return vals, anyNonNull, nil
}

// cellValue extracts the value at row from col as a plain Go value,
// or nil if the cell is null.
func cellValue(col arrow.Array, row int) (any, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(row), nil
	case *array.Int8:
		return a.Value(row), nil
	case *array.Int16:
		return a.Value(row), nil
	case *array.Int32:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Uint8:
		return a.Value(row), nil
	case *array.Uint16:
		return a.Value(row), nil
	case *array.Uint32:
		return a.Value(row), nil
	case *array.Uint64:
		return a.Value(row), nil
	case *array.Float32:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.String:
		return a.Value(row), nil
	case *array.LargeString:
		return a.Value(row), nil
	case *array.Binary:
		return append([]byte(nil), a.Value(row)...), nil
	case *array.Timestamp:
		return int64(a.Value(row)), nil
	case *array.Date32:
		return int32(a.Value(row)), nil
	case *array.Date64:
		return int64(a.Value(row)), nil
	default:
		return nil, engineerr.Newf(engineerr.MalformedBatch, "unsupported Arrow column type %s", col.DataType())
	}
}

func cellBool(col arrow.Array, row int) (bool, error) {
	v, err := cellValue(col, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, engineerr.New(engineerr.MalformedBatch, "CHANGED column must be boolean")
	}
	return b, nil
}
