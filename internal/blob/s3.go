package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const (
	s3BlocksMetadataKey = "blocks"
	s3ConditionalRetry  = 5
)

type S3Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

func s3OptionsFromURL(parsed *url.URL) S3Options {
	q := parsed.Query()
	pathStyle, _ := strconv.ParseBool(q.Get("pathStyle"))
	prefix := strings.Trim(parsed.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return S3Options{
		Bucket:         parsed.Host,
		Prefix:         prefix,
		Region:         q.Get("region"),
		Endpoint:       q.Get("endpoint"),
		ForcePathStyle: pathStyle,
	}
}

// S3Store keeps a blob as one object. S3 has no append, so Append rewrites
// the object guarded by an ETag precondition; the block count rides in the
// object metadata. Leases are lock objects created with If-None-Match.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	limits  Limits
	now     func() time.Time
}

func NewS3Store(ctx context.Context, opts S3Options, limits Limits) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		limits:  limits.withDefaults(),
		now:     time.Now,
	}, nil
}

func (s *S3Store) Limits() Limits { return s.limits }

func (s *S3Store) key(name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return s.prefix + name, nil
}

func s3StatusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf) || s3StatusCode(err) == http.StatusNotFound
}

func isS3PreconditionFailed(err error) bool {
	code := s3StatusCode(err)
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

type s3Object struct {
	data   []byte
	etag   string
	blocks int
}

func (s *S3Store) get(ctx context.Context, key string) (s3Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return s3Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return s3Object{}, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return s3Object{}, err
	}
	blocks, _ := strconv.Atoi(out.Metadata[s3BlocksMetadataKey])
	return s3Object{data: data, etag: aws.ToString(out.ETag), blocks: blocks}, nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, blocks int, ifMatch string, ifNoneMatch bool) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{s3BlocksMetadataKey: strconv.Itoa(blocks)},
	}
	if ifMatch != "" {
		in.IfMatch = aws.String(ifMatch)
	}
	if ifNoneMatch {
		in.IfNoneMatch = aws.String("*")
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

func (s *S3Store) Read(ctx context.Context, name string) ([]byte, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	obj, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return obj.data, nil
}

func (s *S3Store) Stat(ctx context.Context, name string) (Info, error) {
	key, err := s.key(name)
	if err != nil {
		return Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Info{}, err
	}
	blocks, _ := strconv.Atoi(out.Metadata[s3BlocksMetadataKey])
	return Info{Size: aws.ToInt64(out.ContentLength), Blocks: blocks}, nil
}

func (s *S3Store) Append(ctx context.Context, name string, data []byte) (Info, error) {
	key, err := s.key(name)
	if err != nil {
		return Info{}, err
	}
	for attempt := 0; attempt < s3ConditionalRetry; attempt++ {
		obj, err := s.get(ctx, key)
		missing := errors.Is(err, ErrNotFound)
		if err != nil && !missing {
			return Info{}, err
		}
		current := Info{Size: int64(len(obj.data)), Blocks: obj.blocks}
		if err := checkAppend(s.limits, current, data); err != nil {
			return Info{}, err
		}
		merged := append(obj.data, data...)
		err = s.put(ctx, key, merged, current.Blocks+1, obj.etag, missing)
		if err == nil {
			return Info{Size: int64(len(merged)), Blocks: current.Blocks + 1}, nil
		}
		if !isS3PreconditionFailed(err) {
			return Info{}, err
		}
	}
	return Info{}, fmt.Errorf("append %s: concurrent writers kept winning", name)
}

func (s *S3Store) Replace(ctx context.Context, name string, data []byte) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return s.put(ctx, key, data, 1, "", false)
}

func (s *S3Store) Rename(ctx context.Context, from, to string) error {
	fromKey, err := s.key(from)
	if err != nil {
		return err
	}
	toKey, err := s.key(to)
	if err != nil {
		return err
	}
	source := (&url.URL{Path: s.bucket + "/" + fromKey}).EscapedPath()
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(source),
	}); err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fromKey),
	})
	return err
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return err
	}
	return nil
}

type s3LeaseBody struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

func (s *S3Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	key += ".lock"
	lease := &s3Lease{store: s, key: key, id: uuid.NewString(), ttl: ttl}
	for attempt := 0; attempt < 2; attempt++ {
		body, _ := json.Marshal(s3LeaseBody{Holder: lease.id, Expires: s.now().Add(ttl)})
		err := s.put(ctx, key, body, 1, "", true)
		if err == nil {
			return lease, nil
		}
		if !isS3PreconditionFailed(err) {
			return nil, err
		}
		held, etag, err := lease.current(ctx)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.now().Before(held.Expires) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
		}
		// Expired: take it over only if nobody renewed it in between.
		body, _ = json.Marshal(s3LeaseBody{Holder: lease.id, Expires: s.now().Add(ttl)})
		if err := s.put(ctx, key, body, 1, etag, false); err == nil {
			return lease, nil
		} else if !isS3PreconditionFailed(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
}

func (s *S3Store) DelegatedURL(ctx context.Context, name string, perm Permission, ttl time.Duration) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}
	expires := s3.WithPresignExpires(ttl)
	if perm == PermWrite {
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, expires)
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *S3Store) Close() error { return nil }

type s3Lease struct {
	store *S3Store
	key   string
	id    string
	ttl   time.Duration
}

func (l *s3Lease) ID() string { return l.id }

func (l *s3Lease) current(ctx context.Context) (s3LeaseBody, string, error) {
	obj, err := l.store.get(ctx, l.key)
	if err != nil {
		return s3LeaseBody{}, "", err
	}
	var body s3LeaseBody
	if err := json.Unmarshal(obj.data, &body); err != nil {
		return s3LeaseBody{}, "", fmt.Errorf("decode lease %s: %w", l.key, err)
	}
	return body, obj.etag, nil
}

func (l *s3Lease) Renew(ctx context.Context) error {
	held, etag, err := l.current(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if held.Holder != l.id {
		return fmt.Errorf("%w: %s held by %s", ErrLeaseLost, l.key, held.Holder)
	}
	body, _ := json.Marshal(s3LeaseBody{Holder: l.id, Expires: l.store.now().Add(l.ttl)})
	if err := l.store.put(ctx, l.key, body, 1, etag, false); err != nil {
		if isS3PreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
		}
		return err
	}
	return nil
}

func (l *s3Lease) Release(ctx context.Context) error {
	held, _, err := l.current(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if held.Holder != l.id {
		return nil
	}
	_, err = l.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.store.bucket),
		Key:    aws.String(l.key),
	})
	return err
}
