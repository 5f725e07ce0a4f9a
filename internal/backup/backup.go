// Package backup copies table states to and from an S3-compatible bucket.
// Each table state is one JSON object under <prefix>table-states/<id>.json.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/user/aigrid/internal/statestore"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("backup object not found")

const objectDir = "table-states/"

// Config locates the bucket. Credentials fall back to the default AWS chain
// when AccessKeyID is empty.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional; S3-compatible stores such as MinIO
	// PathStyle addresses the bucket in the path rather than the host name.
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Concurrency bounds parallel object transfers.
	Concurrency int
	// HTTPClient overrides the SDK transport.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config for us-east-1.
func DefaultConfig() Config {
	return Config{Region: "us-east-1", Concurrency: 4}
}

// Store reads and writes table-state objects in one bucket.
type Store struct {
	client      *s3.Client
	bucket      string
	prefix      string
	concurrency int
}

// New creates a Store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	def := DefaultConfig()
	if cfg.Region == "" {
		cfg.Region = def.Region
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		// S3-compatible stores often reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix, concurrency: cfg.Concurrency}, nil
}

func (s *Store) key(id string) string {
	return s.prefix + objectDir + id + ".json"
}

func (s *Store) idFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+objectDir)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".json")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Put writes rec, replacing any previous backup of the same table.
func (s *Store) Put(ctx context.Context, rec statestore.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(rec.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

// Get reads the backup of table id.
func (s *Store) Get(ctx context.Context, id string) (statestore.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return statestore.Record{}, ErrNotFound
		}
		return statestore.Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return statestore.Record{}, fmt.Errorf("read %s: %w", id, err)
	}
	var rec statestore.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return statestore.Record{}, fmt.Errorf("decode %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// List returns the ids of every backed-up table, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	prefix := s.prefix + objectDir
	var ids []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if id, ok := s.idFromKey(aws.ToString(obj.Key)); ok {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Source lists the table states to back up.
type Source interface {
	List(ctx context.Context) ([]statestore.Record, error)
}

// Target receives restored table states.
type Target interface {
	Save(ctx context.Context, r statestore.Record) (statestore.Record, error)
}

// Counter is told how many objects were transferred. Direction is
// "export" or "import".
type Counter interface {
	BackupObjects(direction string, n int)
}

// Export copies every table state from src to the bucket. It returns the
// number of objects written; on error some objects may already be written.
func (s *Store) Export(ctx context.Context, src Source, counter Counter) (int, error) {
	recs, err := src.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list table states: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			return s.Put(ctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if counter != nil {
		counter.BackupObjects("export", len(recs))
	}
	slog.Info("backup exported", "bucket", s.bucket, "prefix", s.prefix, "tables", len(recs))
	return len(recs), nil
}

// Restore writes every backed-up table state into dst, replacing existing
// states with the same id. When ids is non-empty only those tables are
// restored.
func (s *Store) Restore(ctx context.Context, dst Target, ids []string, counter Counter) (int, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = s.List(ctx); err != nil {
			return 0, err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			if _, err := dst.Save(ctx, rec); err != nil {
				return fmt.Errorf("restore %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if counter != nil {
		counter.BackupObjects("import", len(ids))
	}
	slog.Info("backup restored", "bucket", s.bucket, "prefix", s.prefix, "tables", len(ids))
	return len(ids), nil
}
