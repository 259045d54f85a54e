package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/oekaki-dev/sketchstore/blob"
	"github.com/oekaki-dev/sketchstore/internal/shard"
	"github.com/oekaki-dev/sketchstore/metrics"
)

// DynamoDB is the subset of the DynamoDB API the store uses. It is
// satisfied by *dynamodb.Client and by test doubles.
type DynamoDB interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store provides all entity operations against one DynamoDB table and
// one blob host. It is safe for concurrent use.
type Store struct {
	client DynamoDB
	host   blob.Host
	config Config
	rec    metrics.Recorder
	now    func() time.Time
}

// New creates a new Store instance.
func New(client DynamoDB, host blob.Host, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		host:   host,
		config: config,
		now:    time.Now,
	}
}

// NewWithRecorder creates a new Store instance that records operation
// metrics against rec.
func NewWithRecorder(client DynamoDB, host blob.Host, config Config, rec metrics.Recorder) *Store {
	s := New(client, host, config)
	s.rec = rec
	return s
}

// SetRecorder sets the metrics recorder. A nil recorder disables
// instrumentation.
func (s *Store) SetRecorder(rec metrics.Recorder) {
	s.rec = rec
}

// --- OAuth handshake state ---

// PutOauthSession stores in-flight OAuth handshake state under session.
// Unconditional upsert; expiry policy is the caller's responsibility.
func (s *Store) PutOauthSession(ctx context.Context, session string, sess OauthSession) (err error) {
	start := s.now()
	defer func() { s.record("put_oauth_session", start, err) }()

	item, err := marshalRecord(sess, key(oauthPK, session))
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item:      item,
	})
	return err
}

// ConsumeOauthSession reads and deletes the handshake state in one
// atomic step, so a login flow cannot be replayed. Returns ErrNotFound
// without side effect if the session was never set or already consumed.
func (s *Store) ConsumeOauthSession(ctx context.Context, session string) (sess *OauthSession, err error) {
	start := s.now()
	defer func() { s.record("consume_oauth_session", start, err) }()

	// DeleteItem with ALL_OLD is an atomic read-and-delete: exactly one
	// concurrent caller observes the value.
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.config.Table),
		Key:          key(oauthPK, session),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Attributes) == 0 {
		return nil, ErrNotFound
	}

	var v OauthSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &v); err != nil {
		return nil, fmt.Errorf("unmarshal oauth session: %w", err)
	}
	return &v, nil
}

// --- Users and sessions ---

// UpsertUserWithSession writes the user snapshot to all four views in a
// single atomic commit: primary record, login index, session index, and
// a new time-stamped signin audit entry. After it returns successfully
// all four views agree; if it fails, none changed.
func (s *Store) UpsertUserWithSession(ctx context.Context, user User, session string) (err error) {
	start := s.now()
	defer func() { s.record("upsert_user_with_session", start, err) }()

	now := s.now().UTC()

	keys := []PK{
		key(userPK, user.ID),
		key(userLoginPK, user.Login),
		key(userSessionPK, session),
		key(userSigninPK, signinSK(now, user.ID)),
	}

	items := make([]types.TransactWriteItem, 0, len(keys))
	for i, k := range keys {
		item, err := marshalRecord(user, k)
		if err != nil {
			return err
		}
		// Audit entries expire; TTL on the table bounds the otherwise
		// unbounded append-only index.
		if i == len(keys)-1 {
			item["ttl"] = &types.AttributeValueMemberN{
				Value: strconv.FormatInt(now.Add(s.config.SigninAuditRetention).Unix(), 10),
			}
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.config.Table),
				Item:      item,
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapCommitError(err, -1)
}

// GetUserBySession returns the user snapshot taken at login time for a
// live session.
func (s *Store) GetUserBySession(ctx context.Context, session string) (*User, error) {
	return s.getUser(ctx, userSessionPK, session)
}

// GetUserByID returns the authoritative user record.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, userPK, id)
}

// GetUserByLogin returns the user by their unique login.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return s.getUser(ctx, userLoginPK, login)
}

func (s *Store) getUser(ctx context.Context, pk, sk string) (u *User, err error) {
	start := s.now()
	defer func() { s.record("get_user", start, err) }()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key:       key(pk, sk),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var v User
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &v, nil
}

// DeleteSession removes the session index entry only. The primary record
// and other indexes are untouched; a user may hold zero or many live
// sessions.
func (s *Store) DeleteSession(ctx context.Context, session string) (err error) {
	start := s.now()
	defer func() { s.record("delete_session", start, err) }()

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key:       key(userSessionPK, session),
	})
	return err
}

// ListSigninHistory scans the signin audit trail in signin-time order
// (or newest-first with opts.Reverse). Only entries within the retention
// window are returned once table TTL has expired the rest.
func (s *Store) ListSigninHistory(ctx context.Context, opts ListOptions) (records []SigninRecord, err error) {
	start := s.now()
	defer func() { s.record("list_signin_history", start, err) }()

	raw, err := s.queryPartition(ctx, userSigninPK, opts.Reverse)
	if err != nil {
		return nil, err
	}

	records = make([]SigninRecord, 0, len(raw))
	for _, item := range raw {
		var rec SigninRecord
		if err := attributevalue.UnmarshalMap(item, &rec.User); err != nil {
			return nil, fmt.Errorf("unmarshal signin record: %w", err)
		}
		if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
			if at, ok := parseSigninSK(sk.Value); ok {
				rec.At = at
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// --- Images ---

// AddImage uploads data to the blob host, then atomically writes the
// image record and its timeline projection. The commit carries a
// condition check on the owner's user record; ErrNotFound is returned
// when uid does not resolve to a user. Upload failure aborts before any
// commit is attempted.
func (s *Store) AddImage(ctx context.Context, uid string, data []byte, contentType string) (img *Image, err error) {
	start := s.now()
	defer func() { s.record("add_image", start, err) }()

	// The projection denormalizes the owner's name and avatar, so the
	// user record is read before paying for an upload.
	user, err := s.GetUserByID(ctx, uid)
	if err != nil {
		return nil, err
	}

	// Phase one: external side effect. A crash after this point leaks an
	// orphaned blob, never a dangling metadata record.
	url, err := s.host.Store(ctx, data, contentType)
	if err != nil {
		return nil, err
	}
	s.addUploadBytes(len(data))

	now := s.now().UTC()
	image := Image{
		ID:        newImageID(now),
		UID:       uid,
		URL:       url,
		Type:      contentType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	timeline := TimelineImage{
		ID:        image.ID,
		UID:       uid,
		UserName:  user.Name,
		AvatarURL: user.AvatarURL,
		CreatedAt: now,
	}

	imageItem, err := marshalRecord(image, key(imagePK(uid), image.ID))
	if err != nil {
		return nil, err
	}
	timelineItem, err := marshalRecord(timeline, key(shard.TimelinePK(image.ID, s.config.NumShards), image.ID))
	if err != nil {
		return nil, err
	}

	// Phase two: atomic local commit. Item 0 revalidates the owner inside
	// the transaction so its cancellation reason maps back to ErrNotFound.
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.config.Table),
					Key:                 key(userPK, uid),
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.config.Table),
					Item:      imageItem,
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.config.Table),
					Item:      timelineItem,
				},
			},
		},
	})
	if err != nil {
		return nil, mapCommitError(err, 0)
	}

	image.Data = data
	return &image, nil
}

// UpdateImage re-uploads bytes for an existing image and overwrites its
// record in place, preserving CreatedAt and advancing UpdatedAt. The
// timeline projection is untouched; edits do not re-surface on the feed.
// Last committer wins on concurrent updates.
func (s *Store) UpdateImage(ctx context.Context, uid, id string, data []byte, contentType string) (err error) {
	start := s.now()
	defer func() { s.record("update_image", start, err) }()

	if _, err = s.GetUserByID(ctx, uid); err != nil {
		return err
	}
	prev, err := s.getImageRecord(ctx, uid, id)
	if err != nil {
		return err
	}

	url, err := s.host.Store(ctx, data, contentType)
	if err != nil {
		return err
	}
	s.addUploadBytes(len(data))

	image := Image{
		ID:        id,
		UID:       uid,
		URL:       url,
		Type:      contentType,
		CreatedAt: prev.CreatedAt,
		UpdatedAt: s.now().UTC(),
	}
	item, err := marshalRecord(image, key(imagePK(uid), id))
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item:      item,
	})
	return err
}

// GetImage returns the image with its Data hydrated from the blob host.
func (s *Store) GetImage(ctx context.Context, uid, id string) (img *Image, err error) {
	start := s.now()
	defer func() { s.record("get_image", start, err) }()

	img, err = s.getImageRecord(ctx, uid, id)
	if err != nil {
		return nil, err
	}
	if err = s.hydrate(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

func (s *Store) getImageRecord(ctx context.Context, uid, id string) (*Image, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key:       key(imagePK(uid), id),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var img Image
	if err := attributevalue.UnmarshalMap(out.Item, &img); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	return &img, nil
}

// ListImages returns a user's images in creation order (or newest-first
// with opts.Reverse), each with Data hydrated from the blob host. Fetches
// are sequential; a failed fetch fails the whole listing.
func (s *Store) ListImages(ctx context.Context, uid string, opts ListOptions) (images []Image, err error) {
	start := s.now()
	defer func() { s.record("list_images", start, err) }()

	raw, err := s.queryPartition(ctx, imagePK(uid), opts.Reverse)
	if err != nil {
		return nil, err
	}

	images = make([]Image, 0, len(raw))
	for _, item := range raw {
		var img Image
		if err := attributevalue.UnmarshalMap(item, &img); err != nil {
			return nil, fmt.Errorf("unmarshal image: %w", err)
		}
		if err := s.hydrate(ctx, &img); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// ListGlobalTimeline returns the global feed in creation order (or
// newest-first with opts.Reverse). Projections carry everything a feed
// entry needs; no blob fetch happens here.
func (s *Store) ListGlobalTimeline(ctx context.Context, opts ListOptions) (images []TimelineImage, err error) {
	start := s.now()
	defer func() { s.record("list_global_timeline", start, err) }()

	numShards := s.config.NumShards

	// Fast path for a single shard: the query already comes back in sort
	// key order.
	if numShards == 1 {
		raw, err := s.queryPartition(ctx, shard.TimelinePKs(1)[0], opts.Reverse)
		if err != nil {
			return nil, err
		}
		return unmarshalTimeline(raw)
	}

	// Multi-shard fan-out, then a merge sort by id. Ids sort by creation
	// time, so the merged order equals the single-partition order.
	var mu sync.Mutex
	var merged []TimelineImage
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for _, pk := range shard.TimelinePKs(numShards) {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()

			raw, err := s.queryPartition(ctx, pk, false)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", pk, err)
				return
			}
			entries, err := unmarshalTimeline(raw)
			if err != nil {
				errs <- err
				return
			}

			mu.Lock()
			merged = append(merged, entries...)
			mu.Unlock()
		}(pk)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if opts.Reverse {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, nil
}

// DeleteImage atomically deletes the image record and its timeline
// projection together, so no orphaned feed entry can persist. Deleting a
// nonexistent image is a no-op.
func (s *Store) DeleteImage(ctx context.Context, uid, id string) (err error) {
	start := s.now()
	defer func() { s.record("delete_image", start, err) }()

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(s.config.Table),
					Key:       key(imagePK(uid), id),
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(s.config.Table),
					Key:       key(shard.TimelinePK(id, s.config.NumShards), id),
				},
			},
		},
	})
	return mapCommitError(err, -1)
}

// --- Internals ---

// queryPartition reads every item under pk in sort key order, paginating
// through all pages. reverse flips ScanIndexForward.
func (s *Store) queryPartition(ctx context.Context, pk string, reverse bool) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ScanIndexForward: aws.Bool(!reverse),
	})

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// hydrate populates img.Data from the blob host.
func (s *Store) hydrate(ctx context.Context, img *Image) error {
	data, err := s.host.Fetch(ctx, img.URL)
	if err != nil {
		return err
	}
	img.Data = data
	s.addDownloadBytes(len(data))
	return nil
}

func unmarshalTimeline(raw []map[string]types.AttributeValue) ([]TimelineImage, error) {
	entries := make([]TimelineImage, 0, len(raw))
	for _, item := range raw {
		var entry TimelineImage
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal timeline image: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// marshalRecord marshals v and merges the primary key attributes in.
func marshalRecord(v any, k PK) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	for name, av := range k {
		item[name] = av
	}
	return item, nil
}

// mapCommitError maps DynamoDB transaction failures onto the store's
// error taxonomy. userCheckIndex is the transaction index of the owner
// condition check (-1 if none); its failure means the user is gone, any
// other cancellation is a retryable conflict.
func mapCommitError(err error, userCheckIndex int) error {
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i == userCheckIndex {
				return ErrNotFound
			}
		}
		return fmt.Errorf("%w: %v", ErrCommitConflict, err)
	}

	var inProgress *types.TransactionInProgressException
	if errors.As(err, &inProgress) {
		return fmt.Errorf("%w: %v", ErrCommitConflict, err)
	}

	return err
}

// --- Metrics ---

func (s *Store) record(op string, start time.Time, err error) {
	if s.rec == nil {
		return
	}
	s.rec.ObserveOp(op, outcome(err), time.Since(start))
}

func (s *Store) addUploadBytes(n int) {
	if s.rec != nil {
		s.rec.AddUploadBytes(n)
	}
}

func (s *Store) addDownloadBytes(n int) {
	if s.rec != nil {
		s.rec.AddDownloadBytes(n)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCommitConflict):
		return "conflict"
	}

	var upload *blob.UploadError
	var fetch *blob.FetchError
	if errors.As(err, &upload) || errors.As(err, &fetch) {
		return "blob"
	}
	return "error"
}
