package storage

import (
	"context"
	"io"

	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Context - BlobStore backed by s3 compatible storage
type S3Context struct {
	session *session.Session
	bucket  string
}

// InitS3Context - creates and inits session for s3
func InitS3Context(cfg *config.Config) (*S3Context, error) {
	var ctx = &S3Context{
		bucket: cfg.S3Bucket,
	}
	var awsConfig = &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		),
	}
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	var err error
	ctx.session, err = session.NewSession(awsConfig)
	return ctx, err
}

// Put - uploads the body with objectKey key. Objects are private, they are
// served through links only.
func (ctx *S3Context) Put(cctx context.Context, objectKey string, body io.Reader, contentType string) error {
	manager := s3manager.NewUploader(ctx.session)
	_, err := manager.UploadWithContext(cctx, &s3manager.UploadInput{
		Bucket:      aws.String(ctx.bucket),
		Body:        body,
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	})
	return err
}

// Open - returns streaming body of s3 object
func (ctx *S3Context) Open(cctx context.Context, objectKey string) (io.ReadCloser, error) {
	var service = s3.New(ctx.session)
	object, err := service.GetObjectWithContext(cctx, &s3.GetObjectInput{
		Bucket: aws.String(ctx.bucket),
		Key:    aws.String(objectKey),
	})

	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey:
				return nil, NoSuchKeyError
			}
		}
		return nil, err
	}

	return object.Body, nil
}

// Delete - deletes object from s3
func (ctx *S3Context) Delete(cctx context.Context, objectKey string) error {
	var service = s3.New(ctx.session)
	_, err := service.DeleteObjectWithContext(cctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ctx.bucket),
		Key:    aws.String(objectKey),
	})
	return err
}
