package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

var sseAlgorithm = "AES256"

// S3 metadata keys. S3 canonicalises user metadata keys on read.
const (
	metaFileName      = "File-Name"
	metaAppointmentID = "Appointment-Id"
	metaUploadedBy    = "Uploaded-By"
	metaHash          = "Sha256"
	metaCreatedAt     = "Created-At"
)

// S3BlobStore keeps blobs in an S3 bucket under prefix, one object per blob,
// with the descriptor fields in object metadata.
type S3BlobStore struct {
	s3     s3iface.S3API
	bucket string
	prefix string
}

// NewS3Session creates an AWS session for region using the default
// credential chain.
func NewS3Session(region string) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}

func NewS3BlobStore(api s3iface.S3API, bucket, prefix string) *S3BlobStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3BlobStore{s3: api, bucket: bucket, prefix: prefix}
}

func NewS3BlobStoreFromSession(sess *session.Session, bucket, prefix string) *S3BlobStore {
	return NewS3BlobStore(s3.New(sess), bucket, prefix)
}

func (s *S3BlobStore) key(id string) string {
	return s.prefix + id
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(meta.ID)),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(meta.Size),
		ContentType:          aws.String(meta.ContentType),
		ServerSideEncryption: aws.String(sseAlgorithm),
		Metadata: aws.StringMap(map[string]string{
			metaFileName:      meta.FileName,
			metaAppointmentID: meta.AppointmentID,
			metaUploadedBy:    meta.UploadedBy,
			metaHash:          meta.Hash,
			metaCreatedAt:     meta.CreatedAt.Format(time.RFC3339Nano),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", meta.ID, err)
	}

	out := meta
	return &out, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, nil, s.mapErr("get", id, err)
	}
	meta := metadataFrom(id, obj.ContentType, obj.ContentLength, obj.Metadata)
	return obj.Body, meta, nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	obj, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, s.mapErr("head", id, err)
	}
	return metadataFrom(id, obj.ContentType, obj.ContentLength, obj.Metadata), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return s.mapErr("delete", id, err)
	}
	return nil
}

func (s *S3BlobStore) mapErr(op, id string, err error) error {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return ErrBlobNotFound
	}
	var ae awserr.Error
	if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
		return ErrBlobNotFound
	}
	return fmt.Errorf("s3 %s %s: %w", op, id, err)
}

func metadataFrom(id string, contentType *string, length *int64, m map[string]*string) *BlobMetadata {
	get := func(k string) string {
		for key, v := range m {
			if strings.EqualFold(key, k) && v != nil {
				return *v
			}
		}
		return ""
	}

	meta := &BlobMetadata{
		ID:            id,
		ContentType:   aws.StringValue(contentType),
		Size:          aws.Int64Value(length),
		FileName:      get(metaFileName),
		AppointmentID: get(metaAppointmentID),
		UploadedBy:    get(metaUploadedBy),
		Hash:          get(metaHash),
	}
	if at, err := time.Parse(time.RFC3339Nano, get(metaCreatedAt)); err == nil {
		meta.CreatedAt = at
	}
	return meta
}
