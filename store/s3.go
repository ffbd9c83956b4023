package store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
	"github.com/rs/zerolog/log"
)

// A S3 store represents a store that is kept on AWS S3 storage, or any
// service with the same API.
type S3 struct {
	svc   *s3.S3
	metas *metacache // keep HEAD info
}

// NewS3 creates a new S3 store. The authorization method and credentials in
// the session are used for all accesses.
func NewS3(awsSession *session.Session) *S3 {
	return &S3{
		svc:   s3.New(awsSession),
		metas: newMetaCache(),
	}
}

// NewS3Session builds the session for NewS3. A non-empty endpoint selects an
// S3 compatible service; plain http and path style addressing are used when
// it names localhost.
func NewS3Session(region, endpoint string) (*session.Session, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
		if isLocalhost(endpoint) {
			cfg.DisableSSL = aws.Bool(true)
		}
	}
	return session.NewSession(cfg)
}

func isLocalhost(endpoint string) bool {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1")
}

// Head returns the metadata of an object. Results are cached for a while.
func (s *S3) Head(ctx context.Context, bucket, key string) (Meta, error) {
	return s.metas.Get(memkey(bucket, key), func() (Meta, error) {
		return s.head0(ctx, bucket, key)
	})
}

// head0 implements the actual HEAD request to s3. You probably want to call
// Head().
func (s *S3) head0(ctx context.Context, bucket, key string) (Meta, error) {
	info, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Meta{}, translate(err)
	}
	return Meta{
		Key:          key,
		Size:         aws.Int64Value(info.ContentLength),
		ETag:         aws.StringValue(info.ETag),
		LastModified: aws.TimeValue(info.LastModified),
		ContentType:  aws.StringValue(info.ContentType),
		Metadata:     aws.StringValueMap(info.Metadata),
	}, nil
}

// Get downloads the whole object.
func (s *S3) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	output, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = translate(err)
		if IsNotFound(err) {
			s.metas.SetMissing(memkey(bucket, key))
		}
		return nil, err
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}

// Put uploads the content of r. Small objects go up with a single PUT,
// larger ones with the multipart interface. The object is always encrypted
// with SSEAlgorithm.
func (s *S3) Put(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) error {
	s.metas.Forget(memkey(bucket, key))
	wc := &s3WriteCloser{
		ctx:    ctx,
		svc:    s.svc,
		bucket: bucket,
		key:    key,
		opts:   opts,
	}
	if _, err := io.Copy(wc, r); err != nil {
		wc.abort = true
		wc.Close()
		return err
	}
	return wc.Close()
}

// List returns the objects in bucket whose key begins with prefix. Pages
// are fetched until the listing ends or the limit is reached.
func (s *S3) List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]Meta, error) {
	var result []Meta
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(opts.StartAfter)
	}
	if opts.Limit > 0 && opts.Limit < 1000 && !opts.DedupByETag {
		input.MaxKeys = aws.Int64(int64(opts.Limit))
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, Meta{
					Key:          aws.StringValue(item.Key),
					Size:         aws.Int64Value(item.Size),
					ETag:         aws.StringValue(item.ETag),
					LastModified: aws.TimeValue(item.LastModified),
				})
			}
			if opts.Limit > 0 && !opts.DedupByETag && len(result) >= opts.Limit {
				return false
			}
			return !lastpage
		})
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Str("prefix", prefix).Msg("S3 List")
		raven.CaptureError(err, map[string]string{"Bucket": bucket, "Prefix": prefix})
		return nil, err
	}
	return finishList(result, opts), nil
}

// Copy does a server side copy. The copy is encrypted like every other write.
func (s *S3) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.svc.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(dstBucket),
		Key:                  aws.String(dstKey),
		CopySource:           aws.String(url.PathEscape(srcBucket + "/" + srcKey)),
		ServerSideEncryption: aws.String(SSEAlgorithm),
	})
	s.metas.Forget(memkey(dstBucket, dstKey))
	if err != nil {
		return translate(err)
	}
	return nil
}

// Delete will remove the given key. It is not an error to delete something
// that doesn't exist.
func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("S3 Delete")
		raven.CaptureError(err, map[string]string{"Bucket": bucket, "Key": key})
		return err
	}
	s.metas.SetMissing(memkey(bucket, key))
	return nil
}

// translate maps the S3 not-found responses to ErrNotFound.
func translate(err error) error {
	if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
		return ErrNotFound
	}
	if e, ok := err.(awserr.Error); ok {
		switch e.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return ErrNotFound
		}
	}
	return err
}

// s3WriteCloser does an upload to s3. If the entire object fits into one
// buffer it will do a single PUT. Otherwise it will use the s3 multipart
// upload interface.
//
// We do not know the ultimate size of the object while we are writing it, so
// the part sizes vary: part i is uploaded once it reaches
// min(wcBaseSize*2^i, wcMaxSize) bytes.
//
// AWS restricts part sizes to be between 5 MB and 5 GB.
type s3WriteCloser struct {
	ctx      context.Context
	svc      *s3.S3
	bucket   string
	key      string
	opts     PutOptions
	buf      *bytes.Buffer // current buffer we are writing to
	isMulti  bool          // true if this is a multipart upload
	uploadID string        // the multipart id that s3 gave us
	part     int           // the part number we are currently filling up (0-based. n.b. AWS is 1-based)
	etags    []string      // index i == etag for part i
	abort    bool          // true to abort upload at close
}

// These are constants, but beware! The relationship that
// wcBaseSize << 6 == wcMaxSize is baked into the code below
const (
	wcBaseSize = 64 * 1024 * 1024
	wcMaxSize  = 4 * 1024 * 1024 * 1024
)

// wcBufferPool contains spare buffers to use for uploading. It is shared
// between all the s3WriteCloser instances.
var wcBufferPool sync.Pool

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	if wc.buf == nil {
		wc.buf = wc.getbuf()
	}
	n, err := wc.buf.Write(p)
	if n == 0 && err != nil {
		wc.abort = true
		return n, err
	}
	lowerlimit := wcMaxSize
	if wc.part < 6 {
		lowerlimit = wcBaseSize << wc.part
	}
	if wc.buf.Len() > lowerlimit {
		err = wc.uploadpart(wc.part, wc.buf)
		wc.buf.Reset()
		if err != nil {
			wc.abort = true
			return 0, err
		}
		wc.part++
	}
	return n, nil
}

// Close will flush any temporary buffers to S3, and then wait for everything
// to be uploaded. If there were any errors the multipart upload is aborted.
func (wc *s3WriteCloser) Close() error {
	if wc.buf != nil {
		defer func() {
			wcBufferPool.Put(wc.buf)
			wc.buf = nil
		}()
	}

	if !wc.isMulti {
		if wc.abort {
			return nil
		}
		return wc.uploadfull(wc.buf)
	}

	var err error
	if !wc.abort && wc.buf != nil && wc.buf.Len() > 0 {
		err = wc.uploadpart(wc.part, wc.buf)
		if err != nil {
			wc.abort = true
		}
	}
	if wc.abort {
		_, err2 := wc.svc.AbortMultipartUploadWithContext(wc.ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(wc.bucket),
			Key:      aws.String(wc.key),
			UploadId: aws.String(wc.uploadID),
		})
		if err2 != nil {
			log.Error().Err(err2).Str("key", wc.key).Msg("S3 abort multipart")
		}
		if err == nil {
			err = err2
		}
		return err
	}
	return wc.finishMultipart()
}

func (wc *s3WriteCloser) getbuf() *bytes.Buffer {
	b, ok := wcBufferPool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	b.Reset()
	return b
}

func (wc *s3WriteCloser) contentType() *string {
	if wc.opts.ContentType == "" {
		return nil
	}
	return aws.String(wc.opts.ContentType)
}

func (wc *s3WriteCloser) metadata() map[string]*string {
	if len(wc.opts.Metadata) == 0 {
		return nil
	}
	return aws.StringMap(wc.opts.Metadata)
}

func (wc *s3WriteCloser) startMultipart() error {
	if wc.isMulti {
		return nil
	}
	result, err := wc.svc.CreateMultipartUploadWithContext(wc.ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(wc.bucket),
		Key:                  aws.String(wc.key),
		ContentType:          wc.contentType(),
		Metadata:             wc.metadata(),
		ServerSideEncryption: aws.String(SSEAlgorithm),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", wc.bucket).Str("key", wc.key).Msg("S3 startMultipart")
		raven.CaptureError(err, map[string]string{"Bucket": wc.bucket, "Key": wc.key})
		return err
	}
	wc.isMulti = true
	wc.uploadID = *result.UploadId
	return nil
}

func (wc *s3WriteCloser) finishMultipart() error {
	var completed []*s3.CompletedPart
	for i, etag := range wc.etags {
		completed = append(completed, &s3.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int64(int64(i + 1)), // part numbers are 1-based
		})
	}
	_, err := wc.svc.CompleteMultipartUploadWithContext(wc.ctx,
		&s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(wc.bucket),
			Key:      aws.String(wc.key),
			UploadId: aws.String(wc.uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{
				Parts: completed,
			},
		})
	return err
}

func (wc *s3WriteCloser) uploadpart(partno int, buf *bytes.Buffer) error {
	if err := wc.startMultipart(); err != nil {
		return err
	}
	output, err := wc.svc.UploadPartWithContext(wc.ctx, &s3.UploadPartInput{
		Body:       bytes.NewReader(buf.Bytes()), // need Seek()
		Bucket:     aws.String(wc.bucket),
		Key:        aws.String(wc.key),
		PartNumber: aws.Int64(int64(partno + 1)),
		UploadId:   aws.String(wc.uploadID),
	})
	if err != nil {
		log.Error().Err(err).Str("key", wc.key).Int("part", partno+1).Msg("S3 uploadpart")
		return err
	}
	if output.ETag == nil {
		return ErrNoETag
	}
	wc.etags = append(wc.etags, *output.ETag)
	return nil
}

func (wc *s3WriteCloser) uploadfull(buf *bytes.Buffer) error {
	// buf is nil when we are closed without any calls to Write(), which
	// is how dedup markers are written
	source := &bytes.Reader{}
	if buf != nil {
		source.Reset(buf.Bytes())
	}
	_, err := wc.svc.PutObjectWithContext(wc.ctx, &s3.PutObjectInput{
		Body:                 source,
		Bucket:               aws.String(wc.bucket),
		Key:                  aws.String(wc.key),
		ContentLength:        aws.Int64(int64(source.Len())),
		ContentType:          wc.contentType(),
		Metadata:             wc.metadata(),
		ServerSideEncryption: aws.String(SSEAlgorithm),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", wc.bucket).Str("key", wc.key).Msg("S3 uploadfull")
	}
	return err
}
