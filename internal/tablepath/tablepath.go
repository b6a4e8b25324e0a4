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

// Package tablepath provides a validated, comparable representation of
// a table path relative to a storage location's root.
package tablepath

import (
	"strings"

	"github.com/pkg/errors"
)

// Path is a normalized, slash-separated table path. It is safe to use
// as a map key.
type Path struct {
	clean string
}

// Parse validates and normalizes raw into a Path. raw must be
// non-empty and must not contain a ".." segment; leading, trailing
// and repeated slashes and "." segments are dropped.
func Parse(raw string) (Path, error) {
	if raw == "" {
		return Path{}, errors.New("table path must not be empty")
	}
	segments := strings.Split(raw, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "":
			continue // collapse repeated slashes and leading/trailing slashes
		case ".":
			continue
		case "..":
			return Path{}, errors.Errorf("table path %q must not contain %q segments", raw, "..")
		default:
			clean = append(clean, seg)
		}
	}
	if len(clean) == 0 {
		return Path{}, errors.Errorf("table path %q has no usable segments", raw)
	}
	return Path{clean: strings.Join(clean, "/")}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static configuration.
func MustParse(raw string) Path {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the normalized, slash-separated representation.
func (p Path) String() string { return p.clean }

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool { return p.clean == "" }

// Key is a (table path, storage location name) pair, the unit of
// keying for staging entries, flush triggers, and writer-gateway
// serialization tokens.
type Key struct {
	Path  Path
	Store string
}

// String renders the key as "<store>:<path>", suitable for log fields
// and map-key debugging.
func (k Key) String() string {
	return k.Store + ":" + k.Path.String()
}

// NewKey builds a Key from a raw path string and a storage location
// name.
func NewKey(rawPath, store string) (Key, error) {
	if store == "" {
		return Key{}, errors.New("storage location name must not be empty")
	}
	p, err := Parse(rawPath)
	if err != nil {
		return Key{}, err
	}
	return Key{Path: p, Store: store}, nil
}
