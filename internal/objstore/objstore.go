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

// Package objstore pools storage-location clients, one per configured
// store name, and provides the narrow get/put/list surface the Table
// Writer Gateway needs against object storage.
package objstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// Client wraps a pooled S3 client scoped to a single bucket and the
// key prefix carved out of the store's location URL.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// Prefix returns the key prefix derived from the store's location
// URL (e.g. "warehouse/db" for "s3://bucket/warehouse/db").
func (c *Client) Prefix() string { return c.prefix }

// Pool caches one Client per distinct store name so that repeated
// commits against the same storage location reuse connections and
// credential resolution instead of rebuilding them per commit.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{clients: map[string]*Client{}}
}

// Get returns the pooled Client for store, building and caching one on
// first use.
func (p *Pool) Get(ctx context.Context, store syncrpc.Store) (*Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[store.Name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := newClient(ctx, store)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[store.Name]; ok {
		return existing, nil
	}
	p.clients[store.Name] = c
	return c, nil
}

func newClient(ctx context.Context, store syncrpc.Store) (*Client, error) {
	bucket, prefix, err := splitLocation(store.Location)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region := store.Options["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if ak, sk := store.Options["access_key_id"], store.Options["secret_access_key"]; ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "loading aws config for store %q", store.Name)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := store.Options["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3: client, bucket: bucket, prefix: prefix}, nil
}

// splitLocation parses "s3://bucket/prefix" into its bucket and prefix.
func splitLocation(location string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	if trimmed == location {
		return "", "", errors.Errorf("location %q is not an s3:// URI", location)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", errors.Errorf("location %q has no bucket", location)
	}
	if len(parts) == 2 {
		return parts[0], strings.Trim(parts[1], "/"), nil
	}
	return parts[0], "", nil
}

// Key joins prefix and name into an object key, mirroring how the
// teacher's S3 provider trims the bucket from an already-prefixed path.
func Key(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

// Get retrieves the named object's full contents.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, engineerr.Wrap(engineerr.Io, err)
		}
		return nil, engineerr.Wrap(engineerr.Io, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, engineerr.Wrap(engineerr.Io, err)
	}
	return true, nil
}

// Put uploads body as key, overwriting any existing object.
func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return engineerr.Wrap(engineerr.Io, err)
	}
	return nil
}

// PutIfAbsent uploads body as key only if no object with that key
// already exists, using S3's conditional-write support. A concurrent
// writer that already created key surfaces as a CommitConflict so the
// caller can re-read the log head and retry, matching the optimistic
// concurrency protocol of both Delta and Iceberg commits.
func (c *Client) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return engineerr.Wrap(engineerr.CommitConflict, err)
	}
	return engineerr.Wrap(engineerr.Io, err)
}

func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "PreconditionFailed") ||
		strings.Contains(err.Error(), "ConditionalRequestConflict")
}

// List returns the keys under prefix, in lexicographic order. For
// Delta's zero-padded log sequence numbers that is also commit order;
// for Iceberg's unpadded "vN.metadata.json" naming it is not (v10
// sorts before v2).
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, engineerr.Wrap(engineerr.Io, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}
