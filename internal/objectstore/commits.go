// Package objectstore keeps pushed commits as JSON objects in an
// S3-compatible bucket. The object's LastModified time is the server
// timestamp of the commit.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"codeflow/api/internal/store"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// object is the stored payload. Timestamp and sync status are not stored;
// they come from the bucket on read.
type object struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Author   string `json:"author"`
}

// CommitStore implements remote.CommitStore on top of a bucket.
type CommitStore struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and creates the bucket if it is missing.
func New(ctx context.Context, cfg Config) (*CommitStore, error) {
	s, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dial builds the client without any network round trip.
func Dial(cfg Config) (*CommitStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket is required")
	}
	endpoint, secure := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &CommitStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *CommitStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *CommitStore) ExistsByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, commitKey(userID, id), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat commit %s: %w", id, err)
}

// WriteCommit uploads commit. An existing object for the same id is replaced,
// which refreshes its timestamp; callers check existence first.
func (s *CommitStore) WriteCommit(ctx context.Context, commit store.Commit, userID string) error {
	payload, err := json.Marshal(object{
		ID:       commit.ID,
		Message:  commit.Message,
		Code:     commit.Code,
		Language: commit.Language,
		Author:   commit.Author,
	})
	if err != nil {
		return fmt.Errorf("marshal commit %s: %w", commit.ID, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, commitKey(userID, commit.ID), bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload commit %s: %w", commit.ID, err)
	}
	return nil
}

func (s *CommitStore) QueryAllByUser(ctx context.Context, userID string) ([]store.Commit, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	commits := make([]store.Commit, 0)
	for info := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: userPrefix(userID), Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list commits: %w", info.Err)
		}
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		commit, err := s.load(listCtx, info.Key)
		if err != nil {
			return nil, err
		}
		commit.Timestamp = info.LastModified.UTC()
		commits = append(commits, commit)
	}
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].Timestamp.Equal(commits[j].Timestamp) {
			return commits[i].Timestamp.After(commits[j].Timestamp)
		}
		return commits[i].ID < commits[j].ID
	})
	return commits, nil
}

func (s *CommitStore) load(ctx context.Context, key string) (store.Commit, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return store.Commit{}, fmt.Errorf("open %s: %w", key, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return store.Commit{}, fmt.Errorf("read %s: %w", key, err)
	}
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return store.Commit{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return store.Commit{
		ID:         o.ID,
		Message:    o.Message,
		Code:       o.Code,
		Language:   o.Language,
		Author:     o.Author,
		SyncStatus: store.SyncSynced,
	}, nil
}

// Ping checks that the bucket is reachable.
func (s *CommitStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func userPrefix(userID string) string {
	return path.Join("commits", escape(userID)) + "/"
}

func commitKey(userID, id string) string {
	return userPrefix(userID) + escape(id) + ".json"
}

// escape keeps user-supplied segments from introducing extra path levels.
func escape(segment string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(segment)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// parseEndpoint accepts either host:port or a URL and returns the host part
// plus whether TLS should be used.
func parseEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return strings.TrimSuffix(endpoint, "/"), useSSL
	}
}
