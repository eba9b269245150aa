package utils

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config points at an S3-compatible bucket.
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
}

// CallbackArchive stores raw gateway callback bodies for audit.
type CallbackArchive struct {
	client *s3.S3
	bucket string
	prefix string
	now    func() time.Time
}

func NewCallbackArchive(cfg S3Config) (*CallbackArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "qpay-callbacks"
	}
	return &CallbackArchive{client: s3.New(sess), bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

// ObjectKey lays callbacks out by day and purchase.
func (a *CallbackArchive) ObjectKey(purchaseID string, at time.Time) string {
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"), fmt.Sprintf("%s-%d.json", purchaseID, at.UnixNano()))
}

// Store uploads body and returns the object key.
func (a *CallbackArchive) Store(ctx context.Context, purchaseID string, body []byte) (string, error) {
	key := a.ObjectKey(purchaseID, a.now())
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload callback to S3: %w", err)
	}
	return key, nil
}
