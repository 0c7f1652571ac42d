// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements the object backend of the object store over the s3
// protocol. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/asch/memblk/internal/memblk/store/objproxy"
)

const (
	// Upper half of the key is the device and it is the prefix, the lower
	// half is the block. All objects of one device can be listed by the
	// prefix.
	devFmt = "%08x/"
	keyFmt = devFmt + "%08x"

	// Returned by HeadObject for missing objects.
	codeNotFound = "NotFound"

	// Limit of one DeleteObjects call.
	maxDeleteBatch = 1000
)

// S3 is the object backend in an s3 bucket. Parameters of http connection
// are tuned for the AWS environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     *string
}

// Options to use in New() function.
type Options struct {
	// Endpoint. Empty string for AWS S3.
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Connection tuning recommended by AWS for usage in their network.
var transportTuning = struct {
	connect, keepAlive, expectContinue, idleConn, responseHeader, tlsHandshake time.Duration
	maxIdleConns, maxIdleConnsPerHost                                          int
}{
	connect:             5 * time.Second,
	keepAlive:           30 * time.Second,
	expectContinue:      1 * time.Second,
	idleConn:            90 * time.Second,
	responseHeader:      5 * time.Second,
	tlsHandshake:        5 * time.Second,
	maxIdleConns:        100,
	maxIdleConnsPerHost: 10,
}

// Returns http client using the tuned transport with http2 enabled.
func newHTTPClient() (*http.Client, error) {
	t := transportTuning
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   t.connect,
			KeepAlive: t.keepAlive,
		}).DialContext,
		MaxIdleConns:          t.maxIdleConns,
		MaxIdleConnsPerHost:   t.maxIdleConnsPerHost,
		IdleConnTimeout:       t.idleConn,
		TLSHandshakeTimeout:   t.tlsHandshake,
		ExpectContinueTimeout: t.expectContinue,
		ResponseHeaderTimeout: t.responseHeader,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, errors.Wrap(err, "http2 transport")
	}

	return &http.Client{Transport: tr}, nil
}

// New connects to the bucket, creating it when it does not exist.
func New(o Options) (*S3, error) {
	httpClient, err := newHTTPClient()
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 session")
	}

	// Objects are single blocks, multipart transfers would only add
	// requests. Concurrency comes from the proxy workers.
	s := &S3{
		client: s3.New(sess),
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
			u.Concurrency = 1
		}, s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
			r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
		}))),
		downloader: s3manager.NewDownloader(sess, func(d *s3manager.Downloader) {
			d.Concurrency = 1
		}),
		bucket: aws.String(o.Bucket),
	}

	if err := s.ensureBucket(); err != nil {
		return nil, errors.Wrapf(err, "bucket %s", o.Bucket)
	}

	return s, nil
}

func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: s.bucket,
		Key:    aws.String(encode(key)),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// DownloadAt reads len(buf) bytes of the object from offset. Missing object
// is reported as objproxy.ErrNoSuchObject.
func (s *S3) DownloadAt(key int64, buf []byte, offset int64) error {
	_, err := s.downloader.Download(aws.NewWriteAtBuffer(buf), &s3.GetObjectInput{
		Bucket: s.bucket,
		Key:    aws.String(encode(key)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)),
	})

	if isNotFound(err) {
		return objproxy.ErrNoSuchObject
	}

	return err
}

// Delete removes the object. Missing object is not an error.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: s.bucket,
		Key:    aws.String(encode(key)),
	})

	if isNotFound(err) {
		return nil
	}

	return err
}

// DeleteRange removes all objects with keys in [from, to) in batches. The
// listing is narrowed to one device when the range does not cross devices.
func (s *S3) DeleteRange(from, to int64) error {
	if from >= to {
		return nil
	}

	in := &s3.ListObjectsV2Input{Bucket: s.bucket}
	if from>>32 == (to-1)>>32 {
		in.Prefix = aws.String(fmt.Sprintf(devFmt, from>>32))
	}

	var batch []*s3.ObjectIdentifier
	var firstErr error

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.deleteBatch(batch); err != nil && firstErr == nil {
			firstErr = err
		}
		batch = batch[:0]
	}

	err := s.client.ListObjectsV2Pages(in, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			if key, ok := decode(aws.StringValue(o.Key)); ok && key >= from && key < to {
				batch = append(batch, &s3.ObjectIdentifier{Key: o.Key})
			}

			if len(batch) == maxDeleteBatch {
				flush()
			}
		}
		return true
	})
	flush()

	if err != nil {
		return errors.Wrap(err, "list objects")
	}

	return firstErr
}

func (s *S3) deleteBatch(objects []*s3.ObjectIdentifier) error {
	out, err := s.client.DeleteObjects(&s3.DeleteObjectsInput{
		Bucket: s.bucket,
		Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return errors.Wrapf(err, "delete %d objects", len(objects))
	}

	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return errors.Errorf("delete %s: %s", aws.StringValue(e.Key), aws.StringValue(e.Message))
	}

	return nil
}

// Creates the bucket unless it exists and waits until it appears.
func (s *S3) ensureBucket() error {
	if _, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: s.bucket}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(&s3.CreateBucketInput{Bucket: s.bucket})

	var ae awserr.Error
	if errors.As(err, &ae) && ae.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
		return nil
	}
	if err != nil {
		return err
	}

	return s.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: s.bucket})
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return true
	}

	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, codeNotFound:
			return true
		}
	}

	return false
}

func encode(key int64) string {
	return fmt.Sprintf(keyFmt, uint64(key)>>32, uint64(key)&0xffffffff)
}

// The inverse to encode(). Keys not created by encode() are reported by
// false.
func decode(name string) (int64, bool) {
	var hi, lo uint64
	n, err := fmt.Sscanf(name, keyFmt, &hi, &lo)
	if err != nil || n != 2 || hi > 0xffffffff || lo > 0xffffffff || encode(int64(hi<<32|lo)) != name {
		return 0, false
	}

	return int64(hi<<32 | lo), true
}
