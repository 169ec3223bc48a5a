// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3 fetches objects from Amazon S3 and compatible services.  URLs are of
// the form "s3://region/bucket/key".  The query parameters "endpoint",
// "disableSSL=1", and "s3ForcePathStyle=1" override the client config,
// which is mostly useful with s3-compatible services other than AWS.
type S3 struct {
	// Client, if set, is used for every request instead of a client
	// configured from the URL.
	Client s3iface.S3API

	mu      sync.Mutex
	clients map[string]s3iface.S3API
}

// Fetch retrieves the object named by rawURL.
func (f *S3) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("fetch %s: url must be of the form s3://region/bucket/key", rawURL)
	}

	client, err := f.client(u)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket) {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Stream{
		Body:        out.Body,
		Size:        size,
		ContentType: aws.StringValue(out.ContentType),
	}, nil
}

// client returns the client for the region and overrides in u, creating
// it on first use.
func (f *S3) client(u *url.URL) (s3iface.S3API, error) {
	if f.Client != nil {
		return f.Client, nil
	}

	q := u.Query()
	key := strings.Join([]string{u.Host, q.Get("endpoint"), q.Get("disableSSL"), q.Get("s3ForcePathStyle")}, "|")

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	config := aws.NewConfig().WithRegion(u.Host)
	if v := q.Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if v := q.Get("disableSSL"); v == "1" {
		config = config.WithDisableSSL(true)
	}
	if v := q.Get("s3ForcePathStyle"); v == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}
	c := s3.New(sess)
	if f.clients == nil {
		f.clients = make(map[string]s3iface.S3API)
	}
	f.clients[key] = c
	return c, nil
}
