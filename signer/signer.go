/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package signer is a thin adapter over the remote object storage signing
// API.  It performs no caching and no retries; both belong to the warmer.
package signer

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/vernisproject/vernis/param"
)

// Error taxonomy surfaced to callers.  Warming code retries transient
// failures only; auth and not-found failures are reported immediately.
var (
	ErrSigningTransient = errors.New("transient signing failure")
	ErrSigningAuth      = errors.New("signing authentication failure")
	ErrObjectNotFound   = errors.New("object not found in storage")
)

// Client generates a time-limited signed URL for an object path.  The
// reqParams are folded into the signature, so distinct params yield
// distinct URLs for the same (path, ttl) pair.
type Client interface {
	Sign(ctx context.Context, path string, ttl time.Duration, reqParams url.Values) (string, error)
}

// presigner is the slice of the minio client the signer needs; tests
// substitute a fake.
type presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type MinioClient struct {
	bucket string
	client presigner
}

// NewMinioClient constructs the production signing client from the
// Storage.* configuration.
func NewMinioClient() (*MinioClient, error) {
	endpoint := param.Storage_Endpoint.GetString()
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			param.Storage_AccessKey.GetString(),
			param.Storage_SecretKey.GetString(),
			"",
		),
		Secure: param.Storage_UseSSL.GetBool(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create storage client for endpoint %s", endpoint)
	}
	return &MinioClient{
		bucket: param.Storage_Bucket.GetString(),
		client: client,
	}, nil
}

func (m *MinioClient) Sign(ctx context.Context, path string, ttl time.Duration, reqParams url.Values) (string, error) {
	signedUrl, err := m.client.PresignedGetObject(ctx, m.bucket, path, ttl, reqParams)
	if err != nil {
		return "", classifyError(err, path)
	}
	return signedUrl.String(), nil
}

// classifyError maps storage provider errors onto the signer's taxonomy,
// preserving the underlying error for logs.
func classifyError(err error, path string) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return errors.Wrapf(ErrObjectNotFound, "path %s: %v", path, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.Wrapf(ErrSigningAuth, "path %s: %v", path, err)
		}
	}
	return errors.Wrapf(ErrSigningTransient, "path %s: %v", path, err)
}
