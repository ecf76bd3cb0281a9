// Package s3 stores boards in an S3-compatible bucket. Every save overwrites
// the whole board state, so concurrent or reordered saves cannot corrupt it.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/boardsync/pkg/assets"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/session"
)

// ErrNotFound is returned when a board or asset has no object.
var ErrNotFound = errors.New("object not found")

// Object metadata keys
const (
	metaVersion     = "asset-version"
	metaCreated     = "asset-created"
	metaContentHash = "content-hash"
)

// Client is the subset of the S3 API used by the adapter.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Adapter is the slow tier. It is active only while the session is signed in
// and has a board selected.
type Adapter struct {
	client  Client
	cfg     *Config
	session *session.Session
	logger  hclog.Logger

	mu sync.Mutex
	// uploaded remembers the content hash of assets already in the bucket,
	// per board, so unchanged assets are not uploaded again.
	uploaded map[string]string
	// trackers follow the remote assets of each board.
	trackers map[string]*assets.Tracker
}

// NewAdapter creates a new S3 adapter and verifies the bucket is reachable.
func NewAdapter(ctx context.Context, cfg *Config, sess *session.Session, logger hclog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}
	cfg.SetDefaults()

	awsCfg, err := createAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint for MinIO or other S3-compatible services
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	adapter := NewAdapterWithClient(client, cfg, sess, logger)
	if err := adapter.verifyBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify S3 bucket: %w", err)
	}

	adapter.logger.Info("S3 adapter initialized",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"endpoint", cfg.Endpoint)

	return adapter, nil
}

// NewAdapterWithClient creates an adapter on an existing client. The
// configuration must already be valid.
func NewAdapterWithClient(client Client, cfg *Config, sess *session.Session, logger hclog.Logger) *Adapter {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Adapter{
		client:   client,
		cfg:      cfg,
		session:  sess,
		logger:   logger.Named("s3-adapter"),
		uploaded: make(map[string]string),
		trackers: make(map[string]*assets.Tracker),
	}
}

// createAWSConfig creates AWS SDK configuration from S3 config
func createAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}

	// Add credentials if provided
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

// verifyBucket verifies that the bucket exists and is accessible
func (a *Adapter) verifyBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", a.cfg.Bucket, err)
	}
	return nil
}

// IsActive reports whether saves should reach the bucket.
func (a *Adapter) IsActive() bool {
	return a.session.Authenticated() && a.session.BoardID() != ""
}

// Save uploads changed assets, then overwrites the board's scene object. The
// scene is written last so a reader never sees it reference a missing asset.
func (a *Adapter) Save(ctx context.Context, snapshot *scene.Snapshot, files map[scene.AssetID]scene.Asset) error {
	boardID := snapshot.BoardID
	if boardID == "" {
		boardID = a.session.BoardID()
	}
	if boardID == "" {
		return fmt.Errorf("no board selected")
	}

	referenced := scene.ReferencedAssets(snapshot.Elements, files)
	if err := a.saveAssets(ctx, boardID, referenced); err != nil {
		return err
	}

	content, err := json.Marshal(snapshot.ForStorage())
	if err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}

	key := a.sceneKey(boardID)
	if err := a.putObject(ctx, key, content, "application/json", map[string]string{
		metaContentHash: computeContentHash(content),
	}); err != nil {
		return err
	}

	a.logger.Debug("saved board", "board_id", boardID, "key", key, "assets", len(referenced))
	return nil
}

// LoadScene downloads the board's scene object.
func (a *Adapter) LoadScene(ctx context.Context, boardID string) (*scene.Snapshot, error) {
	content, _, err := a.getObject(ctx, a.sceneKey(boardID))
	if err != nil {
		return nil, err
	}

	var snapshot scene.Snapshot
	if err := json.Unmarshal(content, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode scene for board %s: %w", boardID, err)
	}
	snapshot.BoardID = boardID
	return &snapshot, nil
}

// Load downloads the board's scene and the assets its images reference.
// Assets already tracked for the board are not downloaded again. Loaded
// assets count as uploaded, so a later Save does not write them back.
func (a *Adapter) Load(ctx context.Context, boardID string) (*scene.Snapshot, assets.FetchResult, error) {
	snapshot, err := a.LoadScene(ctx, boardID)
	if err != nil {
		return nil, assets.FetchResult{}, err
	}

	tracker := a.boardTracker(boardID)
	var ids []scene.AssetID
	for _, id := range scene.AssetIDs(snapshot.Elements) {
		if !tracker.IsTracked(id) {
			ids = append(ids, id)
		}
	}

	res := tracker.FetchAssets(ctx, ids)
	if len(res.Errored) > 0 {
		a.logger.Warn("some assets could not be loaded",
			"board_id", boardID,
			"loaded", len(res.Loaded),
			"errored", len(res.Errored))
	}
	return snapshot, res, nil
}

// saveAssets uploads files through the board's tracker. Assets another save
// is still uploading are written here as well, so the scene that follows
// never lands before them. The failures are returned together.
func (a *Adapter) saveAssets(ctx context.Context, boardID string, files []scene.Asset) error {
	if len(files) == 0 {
		return nil
	}

	tracker := a.boardTracker(boardID)
	res := tracker.SaveAssets(ctx, files)

	var merr *multierror.Error
	if res.Err != nil {
		merr = multierror.Append(merr, res.Err)
	}
	for id := range res.Errored {
		merr = multierror.Append(merr, fmt.Errorf("asset %s: upload failed", id))
	}
	if merr != nil {
		return merr.ErrorOrNil()
	}

	for _, asset := range files {
		if tracker.Record(asset.ID).State != assets.StateSaving {
			continue
		}
		if err := a.putAsset(ctx, boardID, asset); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("asset %s: %w", asset.ID, err))
		}
	}
	return merr.ErrorOrNil()
}

func (a *Adapter) boardTracker(boardID string) *assets.Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()

	tracker, ok := a.trackers[boardID]
	if !ok {
		files := &boardFiles{adapter: a, boardID: boardID}
		tracker = assets.NewTracker(files, files, a.logger.With("board_id", boardID))
		a.trackers[boardID] = tracker
	}
	return tracker
}

// boardFiles reads and writes the assets of one board.
type boardFiles struct {
	adapter *Adapter
	boardID string
}

var (
	_ assets.Fetcher = (*boardFiles)(nil)
	_ assets.Saver   = (*boardFiles)(nil)
)

// GetFiles downloads assets. Ids that cannot be downloaded are reported as
// errored.
func (b *boardFiles) GetFiles(ctx context.Context, ids []scene.AssetID) (assets.FetchResult, error) {
	result := assets.NewFetchResult()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.adapter.cfg.DownloadConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			asset, err := b.adapter.getAsset(gctx, b.boardID, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.adapter.logger.Debug("error loading asset", "board_id", b.boardID, "asset_id", id, "error", err)
				result.Errored[id] = struct{}{}
				return nil
			}
			result.Loaded = append(result.Loaded, asset)
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// SaveFiles uploads assets. Failed uploads are reported per id.
func (b *boardFiles) SaveFiles(ctx context.Context, added map[scene.AssetID]scene.Asset) (assets.SaveResult, error) {
	result := assets.NewSaveResult()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.adapter.cfg.UploadConcurrency)
	for id, asset := range added {
		id, asset := id, asset
		g.Go(func() error {
			err := b.adapter.putAsset(gctx, b.boardID, asset)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.adapter.logger.Warn("error saving asset", "board_id", b.boardID, "asset_id", id, "error", err)
				result.Errored[id] = asset
				return nil
			}
			result.Saved[id] = asset
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

func (a *Adapter) putAsset(ctx context.Context, boardID string, asset scene.Asset) error {
	key := a.assetKey(boardID, asset.ID)
	hash := computeContentHash(asset.Content)

	a.mu.Lock()
	done := a.uploaded[key] == hash
	a.mu.Unlock()
	if done {
		return nil
	}

	mimeType := asset.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	metadata := map[string]string{
		metaVersion:     strconv.Itoa(asset.EffectiveVersion()),
		metaContentHash: hash,
	}
	if !asset.CreatedAt.IsZero() {
		metadata[metaCreated] = asset.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	if err := a.putObject(ctx, key, asset.Content, mimeType, metadata); err != nil {
		return err
	}

	a.mu.Lock()
	a.uploaded[key] = hash
	a.mu.Unlock()
	return nil
}

func (a *Adapter) getAsset(ctx context.Context, boardID string, id scene.AssetID) (scene.Asset, error) {
	content, out, err := a.getObject(ctx, a.assetKey(boardID, id))
	if err != nil {
		return scene.Asset{}, err
	}

	asset := scene.Asset{
		ID:              id,
		MimeType:        aws.ToString(out.ContentType),
		Content:         content,
		Version:         1,
		LastRetrievedAt: time.Now().UTC(),
	}
	if v, err := strconv.Atoi(out.Metadata[metaVersion]); err == nil && v > 0 {
		asset.Version = v
	}
	if created, err := time.Parse(time.RFC3339Nano, out.Metadata[metaCreated]); err == nil {
		asset.CreatedAt = created
	}
	return asset, nil
}

// sceneKey is {prefix}/boards/{board}/scene.json
func (a *Adapter) sceneKey(boardID string) string {
	return a.objectKey("boards", sanitizeSegment(boardID), "scene.json")
}

// assetKey is {prefix}/boards/{board}/files/{asset}
func (a *Adapter) assetKey(boardID string, id scene.AssetID) string {
	return a.objectKey("boards", sanitizeSegment(boardID), "files", sanitizeSegment(string(id)))
}

func (a *Adapter) objectKey(parts ...string) string {
	if a.cfg.Prefix != "" {
		parts = append([]string{strings.Trim(a.cfg.Prefix, "/")}, parts...)
	}
	return path.Join(parts...)
}

// computeContentHash computes SHA-256 hash of content
func computeContentHash(content []byte) string {
	hash := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// sanitizeSegment removes characters that are problematic in S3 keys
func sanitizeSegment(name string) string {
	replacer := strings.NewReplacer(
		" ", "-",
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "",
		"<", "-",
		">", "-",
		"|", "-",
	)
	name = replacer.Replace(name)
	if name == "." || name == ".." {
		name = "-"
	}
	return name
}

// getObject retrieves an object from S3
func (a *Adapter) getObject(ctx context.Context, key string) ([]byte, *s3.GetObjectOutput, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object content: %w", err)
	}
	return content, result, nil
}

// putObject stores an object in S3
func (a *Adapter) putObject(ctx context.Context, key string, content []byte, contentType string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}
