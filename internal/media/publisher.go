// Package media copies attachments from the channel's transient file URLs
// into durable object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
)

type Kind string

const (
	KindImage    Kind = "image"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
)

// Source describes one inbound attachment.
type Source struct {
	URL       string
	MimeType  string
	FileName  string
	Kind      Kind
	PatientID string
	MessageID string
}

type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Publisher struct {
	S3            ObjectPutter
	HTTP          *resty.Client
	Bucket        string
	Region        string
	PublicBaseURL string
	Now           func() time.Time
}

func NewPublisher(s3c ObjectPutter, bucket, region, publicBaseURL string, maxBytes int64) *Publisher {
	return &Publisher{
		S3: s3c,
		HTTP: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetResponseBodyLimit(int(maxBytes)),
		Bucket:        bucket,
		Region:        region,
		PublicBaseURL: publicBaseURL,
		Now:           time.Now,
	}
}

// Publish downloads src and stores it, returning the durable URL. The
// transient URL is never returned.
func (p *Publisher) Publish(ctx context.Context, src Source) (string, error) {
	resp, err := p.HTTP.R().SetContext(ctx).Get(src.URL)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch media: http %d", resp.StatusCode())
	}
	data := resp.Body()

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	key := Key(src, mimeType, p.Now())

	in := &s3.PutObjectInput{
		Bucket:       aws.String(p.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("private, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf" {
		in.ContentDisposition = aws.String("inline")
	}
	if _, err := p.S3.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return p.PublicURL(key), nil
}

// Key builds patients/<id>/<yyyy>/<mm>/<dd>/<kind>/<messageID><ext>.
func Key(src Source, mimeType string, now time.Time) string {
	return fmt.Sprintf("patients/%s/%s/%s/%s%s",
		safe(src.PatientID), now.UTC().Format("2006/01/02"), folder(src.Kind), safe(src.MessageID), extension(src.FileName, mimeType))
}

func (p *Publisher) PublicURL(key string) string {
	if p.PublicBaseURL != "" {
		return strings.TrimRight(p.PublicBaseURL, "/") + "/" + key
	}
	if strings.Contains(p.Bucket, ".") {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", p.Region, p.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.Bucket, p.Region, key)
}

func folder(k Kind) string {
	switch k {
	case KindImage:
		return "images"
	case KindVoice:
		return "audio"
	}
	return "documents"
}

func extension(fileName, mimeType string) string {
	if ext := strings.ToLower(path.Ext(fileName)); ext != "" && len(ext) <= 6 {
		return ext
	}
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	}
	return ".bin"
}

func safe(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
