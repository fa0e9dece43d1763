package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ondemand-dev/ondemand/internal/etag"
)

// S3Config 描述对象存储后端的连接参数。
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// mtimeMetaKey 保存逻辑修改时间（毫秒），对象存储无法像 Chtimes 那样改写 LastModified。
const mtimeMetaKey = "Ondemand-Mtime"

// S3Store 将产物与元数据保存为 "<compileId>/<path>" 对象。
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string

	bucketMu    sync.Mutex
	bucketReady bool
}

var _ Store = (*S3Store)(nil)

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

// ensureBucket 只在成功后记住结果，失败时下次调用会重试。
// 检查脱离调用方的取消信号，避免一次中断的请求让后续调用一并失败。
func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return err
		}
	}
	s.bucketReady = true
	return nil
}

func (s *S3Store) ReadMeta(ctx context.Context, locator Locator) (*Meta, error) {
	data, _, err := s.getObject(ctx, locator.CompileID, locator.MetaPath())
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, ErrNotFound
	}
	return &meta, nil
}

func (s *S3Store) WriteMeta(ctx context.Context, locator Locator, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	_, err = s.putObject(ctx, locator.CompileID, locator.MetaPath(), data, time.Now(), "application/json")
	return err
}

func (s *S3Store) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	data, info, err := s.getObject(ctx, locator.CompileID, locator.Path)
	if err != nil {
		return nil, err
	}
	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  objectKey(locator.CompileID, locator.Path),
			SizeBytes: int64(len(data)),
			ModTime:   objectModTime(info),
			ETag:      etag.Compute(data),
		},
		Content: data,
	}, nil
}

func (s *S3Store) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	key, err := s.key(locator.CompileID, locator.Path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	info, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return &Entry{
		Locator:   locator,
		FilePath:  key,
		SizeBytes: info.Size,
		ModTime:   objectModTime(info),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, locator Locator, content []byte, opts PutOptions) (*Entry, error) {
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	key, err := s.putObject(ctx, locator.CompileID, locator.Path, content, modTime, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return &Entry{
		Locator:   locator,
		FilePath:  key,
		SizeBytes: int64(len(content)),
		ModTime:   time.UnixMilli(modTime.UnixMilli()),
		ETag:      etag.Compute(content),
	}, nil
}

func (s *S3Store) Remove(ctx context.Context, locator Locator) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	for _, rel := range []string{locator.Path, locator.MetaPath()} {
		key, err := s.key(locator.CompileID, rel)
		if err != nil {
			return err
		}
		if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
			if mapped := mapS3Error(err); !errors.Is(mapped, ErrNotFound) {
				return mapped
			}
		}
	}
	return nil
}

func (s *S3Store) putObject(ctx context.Context, compileID, rel string, content []byte, modTime time.Time, contentType string) (string, error) {
	key, err := s.key(compileID, rel)
	if err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			mtimeMetaKey: strconv.FormatInt(modTime.UnixMilli(), 10),
		},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *S3Store) getObject(ctx context.Context, compileID, rel string) ([]byte, minio.ObjectInfo, error) {
	key, err := s.key(compileID, rel)
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, mapS3Error(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, minio.ObjectInfo{}, mapS3Error(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, minio.ObjectInfo{}, mapS3Error(err)
	}
	return data, info, nil
}

func (s *S3Store) key(compileID, rel string) (string, error) {
	compileID = strings.TrimSpace(compileID)
	if compileID == "" {
		return "", errors.New("compile id required")
	}
	if strings.ContainsAny(compileID, `/\`) || compileID == "." || compileID == ".." {
		return "", ErrInvalidPath
	}
	return objectKey(compileID, cleanRelative(rel)), nil
}

func objectKey(compileID, rel string) string {
	return compileID + "/" + strings.TrimLeft(rel, "/")
}

func objectModTime(info minio.ObjectInfo) time.Time {
	for k, v := range info.UserMetadata {
		if !strings.EqualFold(k, mtimeMetaKey) && !strings.EqualFold(k, "X-Amz-Meta-"+mtimeMetaKey) {
			continue
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return info.LastModified
}

func mapS3Error(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return err
}
