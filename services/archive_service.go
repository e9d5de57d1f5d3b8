package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/promptpilot/api/model"
)

// SpacesArchiveConfig holds the object-storage settings for session archives.
type SpacesArchiveConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// SpacesArchiver exports evicted sessions as JSON objects to an
// S3-compatible Spaces bucket before they are purged.
type SpacesArchiver struct {
	s3Client *s3.S3
	bucket   string
}

// NewSpacesArchiver creates an archiver against a Spaces bucket.
func NewSpacesArchiver(config SpacesArchiveConfig) (*SpacesArchiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Spaces session: %w", err)
	}
	return &SpacesArchiver{
		s3Client: s3.New(sess),
		bucket:   config.Bucket,
	}, nil
}

type sessionArchive struct {
	Session    model.PromptSession   `json:"session"`
	Messages   []model.PromptMessage `json:"messages"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ArchiveSession uploads one session snapshot. The object key is dated so
// archives of re-used session ids never collide.
func (a *SpacesArchiver) ArchiveSession(session model.PromptSession, messages []model.PromptMessage) error {
	payload, err := json.Marshal(sessionArchive{
		Session:    session,
		Messages:   messages,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session archive: %w", err)
	}

	key := fmt.Sprintf("session-archives/%s/%s.json", time.Now().UTC().Format("2006-01-02"), session.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = a.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        aws.ReadSeekCloser(bytes.NewReader(payload)),
		ACL:         aws.String("private"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload session archive: %w", err)
	}
	return nil
}
