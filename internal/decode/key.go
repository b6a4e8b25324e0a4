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
	"encoding/json"
	"sort"
)

// Key is a canonical, comparable encoding of a primary-key tuple: the
// PK column values, sorted by column name and JSON-encoded together.
// Two rows with the same PK column values produce equal Keys
// regardless of the declared order of the PK columns on the wire.
type Key string

// NewKey builds a Key from a row's PK column values, keyed by column
// name. names need not be sorted; NewKey sorts them.
func NewKey(values map[string]any, names []string) Key {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	ordered := make([]any, len(sorted))
	for i, name := range sorted {
		ordered[i] = values[name]
	}
	// json.Marshal on a []any of driver-decoded scalars never fails
	// for the value set produced by cellValue.
	data, _ := json.Marshal(ordered)
	return Key(data)
}
