package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Object splits an s3://bucket/prefix URI and appends filename to the
// prefix.
func s3Object(s3URIPrefix, filename string) (bucket, key string, err error) {
	if !strings.HasPrefix(s3URIPrefix, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI prefix: %s", s3URIPrefix)
	}

	uriWithoutScheme := strings.TrimPrefix(s3URIPrefix, "s3://")
	parts := strings.SplitN(uriWithoutScheme, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI format: %s", s3URIPrefix)
	}

	bucket = parts[0]
	key = filename
	if len(parts) > 1 && parts[1] != "" {
		prefix := parts[1]
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		key = prefix + filename
	}
	return bucket, key, nil
}

// constructS3Location returns the s3:// URI a file will be uploaded to, or
// "" for an invalid prefix.
func constructS3Location(s3URIPrefix, filename string) string {
	bucket, key, err := s3Object(s3URIPrefix, filename)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// uploadToS3 uploads a local file to S3 and returns the S3 location URI
func uploadToS3(ctx context.Context, localPath, s3URIPrefix, s3Region, filename string) (string, error) {
	bucket, key, err := s3Object(s3URIPrefix, filename)
	if err != nil {
		return "", err
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(s3Region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}
	s3Client := s3.NewFromConfig(cfg)

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local file %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   file,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

// deleteLocalFile deletes a local file
func deleteLocalFile(filePath string) error {
	err := os.Remove(filePath)
	if err != nil {
		return fmt.Errorf("failed to delete local file %s: %w", filePath, err)
	}
	return nil
}

// processS3UploadAndCleanup uploads a finished output file and removes the
// local copy.
func processS3UploadAndCleanup(cfg *Config, filename string) {
	if !cfg.AutoUploadToS3 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	localPath := filepath.Join(cfg.OutputDir, filename)
	s3Location, err := uploadToS3(ctx, localPath, cfg.S3URI, cfg.S3Region, filename)
	if err != nil {
		loggerInfo.Printf("Error uploading %s to S3: %v", filename, err)
		// keep the local copy, it is the only one
		return
	}
	loggerInfo.Printf("Successfully uploaded %s to S3: %s", filename, s3Location)

	if err := deleteLocalFile(localPath); err != nil {
		loggerInfo.Printf("Error deleting local file %s: %v", localPath, err)
	} else if *debug {
		loggerDebug.Printf("Successfully deleted local file: %s", localPath)
	}
}
