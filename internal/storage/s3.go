package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/teleclinic/consult/internal/config"
	"github.com/teleclinic/consult/internal/spool"
)

// S3API is the part of *s3.Client the uploader needs.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

func NewS3Client(cfg config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:           cfg.Region,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// S3Uploader stores objects with S3 multipart uploads. Completed parts are
// journaled in the spool so a later attempt, even from a new process,
// continues with the next part.
type S3Uploader struct {
	api      S3API
	bucket   string
	partSize int64
	spool    *spool.Spool
	log      *slog.Logger
}

func NewS3Uploader(api S3API, bucket string, partSize int64, sp *spool.Spool, logger *slog.Logger) *S3Uploader {
	if partSize <= 0 {
		partSize = config.DefaultS3PartSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Uploader{api: api, bucket: bucket, partSize: partSize, spool: sp, log: logger}
}

func (u *S3Uploader) Upload(ctx context.Context, b Blob) (string, error) {
	key, err := cleanKey(b.Key)
	if err != nil {
		return "", err
	}
	f, err := os.Open(b.Path)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", b.Path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}

	progress, err := u.progress(ctx, key, b.Path)
	if err != nil {
		return "", err
	}
	offset := progress.Uploaded()
	if offset > st.Size() {
		// The local file changed underneath a journaled upload; start over.
		u.abort(ctx, progress)
		if progress, err = u.create(ctx, key, b.Path); err != nil {
			return "", err
		}
		offset = 0
	}
	if offset > 0 {
		u.log.Info("resuming multipart upload", "key", key, "offset", offset, "parts", len(progress.Parts))
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}

	buf := make([]byte, u.partSize)
	for offset < st.Size() || len(progress.Parts) == 0 {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("storage: read %s: %w", b.Path, err)
		}
		number := int32(len(progress.Parts) + 1)
		out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(progress.UploadID),
			PartNumber: aws.Int32(number),
			Body:       bytes.NewReader(buf[:n]),
		})
		if err != nil {
			return "", fmt.Errorf("storage: upload part %d of %s: %w", number, key, err)
		}
		progress.Parts = append(progress.Parts, spool.MultipartPart{Number: number, ETag: aws.ToString(out.ETag), Size: int64(n)})
		if err := u.journal(progress); err != nil {
			return "", err
		}
		offset += int64(n)
	}

	parts := make([]types.CompletedPart, 0, len(progress.Parts))
	for _, p := range progress.Parts {
		parts = append(parts, types.CompletedPart{ETag: aws.String(p.ETag), PartNumber: aws.Int32(p.Number)})
	}
	_, err = u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(progress.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return "", fmt.Errorf("storage: complete %s: %w", key, err)
	}
	if u.spool != nil {
		if err := u.spool.DeleteMultipart(u.bucket, key); err != nil {
			u.log.Warn("failed to clear multipart journal", "key", key, "err", err)
		}
	}
	return "s3://" + u.bucket + "/" + key, nil
}

func (u *S3Uploader) progress(ctx context.Context, key, path string) (spool.MultipartProgress, error) {
	if u.spool != nil {
		p, err := u.spool.GetMultipart(u.bucket, key)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, spool.ErrNotFound) {
			return spool.MultipartProgress{}, fmt.Errorf("storage: load multipart journal: %w", err)
		}
	}
	return u.create(ctx, key, path)
}

func (u *S3Uploader) create(ctx context.Context, key, path string) (spool.MultipartProgress, error) {
	out, err := u.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(ContentType(path)),
	})
	if err != nil {
		return spool.MultipartProgress{}, fmt.Errorf("storage: create multipart upload %s: %w", key, err)
	}
	p := spool.MultipartProgress{Bucket: u.bucket, Key: key, UploadID: aws.ToString(out.UploadId)}
	return p, u.journal(p)
}

func (u *S3Uploader) journal(p spool.MultipartProgress) error {
	if u.spool == nil {
		return nil
	}
	if err := u.spool.PutMultipart(p); err != nil {
		return fmt.Errorf("storage: journal multipart progress: %w", err)
	}
	return nil
}

func (u *S3Uploader) abort(ctx context.Context, p spool.MultipartProgress) {
	_, err := u.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(p.Key),
		UploadId: aws.String(p.UploadID),
	})
	if err != nil {
		u.log.Warn("abort multipart upload", "key", p.Key, "err", err)
	}
	if u.spool != nil {
		_ = u.spool.DeleteMultipart(u.bucket, p.Key)
	}
}
