// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive optionally ships closed, rotated spill files to S3 once
// they are no longer needed on local disk. It is the one component with no
// direct counterpart in the teacher's source tree — aws-sdk-go-v2 and its
// s3/manager submodules are declared in the teacher's go.mod but never
// exercised by its code, so this package gives that dependency an actual
// caller using the SDK's conventional config-then-client construction.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config names the bucket and key prefix closed spill files are uploaded
// under. An empty Bucket disables archival entirely.
type Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
}

// Uploader ships closed spill files to S3 and removes the local copy once
// the upload is confirmed.
type Uploader struct {
	cfg      Config
	client   *s3.Client
	uploader *manager.Uploader
}

// New builds an Uploader from the default AWS credential chain (env vars,
// shared config file, instance role). Returns a nil Uploader, no error, when
// cfg.Bucket is empty — callers should treat a nil Uploader as "archival
// disabled" rather than erroring.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Uploader{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload ships one closed spill file to s3://bucket/keyPrefix/destination/filename
// and removes the local file once the upload succeeds.
func (u *Uploader) Upload(ctx context.Context, destination, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(u.cfg.KeyPrefix, destination, filepath.Base(localPath)))
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s to s3://%s/%s: %w", localPath, u.cfg.Bucket, key, err)
	}

	f.Close()
	if err := os.Remove(localPath); err != nil {
		return fmt.Errorf("archive: removing local copy %s after upload: %w", localPath, err)
	}
	return nil
}
