package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presignTTL is how long screenshot and video links stay valid.
const presignTTL = 24 * time.Hour

// MinioStore keeps media objects in an S3-compatible object store.
type MinioStore struct {
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to endpoint and makes sure every bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := &MinioStore{client: client}
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBuckets(ctx context.Context) error {
	for _, b := range Buckets {
		exists, err := s.client.BucketExists(ctx, b)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", b, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, b, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", b, err)
		}
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error) {
	ref := Ref(bucket, name)
	if _, _, err := ParseRef(ref); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", ref, err)
	}
	return ref, nil
}

func (s *MinioStore) Get(ctx context.Context, ref string, w io.Writer) error {
	bucket, name, err := ParseRef(ref)
	if err != nil {
		return err
	}
	obj, err := s.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("get %s: %w", ref, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("stat %s: %w", ref, err)
	}
	if _, err := io.Copy(w, obj); err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	return nil
}

func (s *MinioStore) URL(ctx context.Context, ref string) (string, error) {
	bucket, name, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, name, presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u.String(), nil
}
