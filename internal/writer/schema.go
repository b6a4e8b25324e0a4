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

package writer

import (
	"github.com/apache/iceberg-go"

	deltaschema "github.com/rivian/delta-go/schema"

	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// toIcebergSchema builds an Iceberg schema that records every column
// as an optional, untyped-at-rest string field. The engine's value
// columns arrive already decoded from Arrow; committing their Iceberg
// type precisely would require threading the Arrow field types all
// the way from decode.Batch, which the spec does not require beyond
// schema-compatibility checks keyed on column name and role.
func toIcebergSchema(cols []syncrpc.ColumnDescriptor) *iceberg.Schema {
	fields := make([]iceberg.NestedField, 0, len(cols))
	for i, col := range cols {
		fields = append(fields, iceberg.NestedField{
			ID:       i + 1,
			Name:     col.Name,
			Type:     iceberg.PrimitiveTypes.String,
			Required: false,
		})
	}
	return iceberg.NewSchema(0, fields...)
}

// toDeltaSchema builds the Delta equivalent of toIcebergSchema.
func toDeltaSchema(cols []syncrpc.ColumnDescriptor) *deltaschema.StructType {
	fields := make([]deltaschema.StructField, 0, len(cols))
	for _, col := range cols {
		fields = append(fields, deltaschema.StructField{
			Name:     col.Name,
			Type:     deltaschema.String{},
			Nullable: true,
		})
	}
	return &deltaschema.StructType{Fields: fields}
}
