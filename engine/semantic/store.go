// Package semantic is the sole owner of all Qdrant operations: collection
// lifecycle, idempotent chunk upserts, orphan reconciliation, and similarity
// search.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/libroai/libro/engine/domain"
)

const scrollPageSize = 256

// pointsAPI and collectionsAPI are the slices of the Qdrant gRPC surface the
// store actually uses. Tests substitute mocks through NewWithClients.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore stores and searches chunk embeddings in a single collection.
// Writes for the same source URL are serialized so concurrent ingestion
// never interleaves upserts and orphan deletes for one page.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, dims int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore around existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		dims:        dims,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Dimensions returns the vector size the store was configured with.
func (v *VectorStore) Dimensions() int { return v.dims }

func (v *VectorStore) sourceLock(sourceURL string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[sourceURL]
	if !ok {
		l = &sync.Mutex{}
		v.locks[sourceURL] = l
	}
	return l
}

// EnsureCollection creates the collection and its payload indexes if absent.
// Safe to call concurrently and on every startup: an existing collection is
// verified against the configured dimensionality instead of recreated, and a
// creation race with another writer resolves to verification.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return wireErr("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			if err := v.verifyDims(ctx); err != nil {
				return err
			}
			return v.ensureIndexes(ctx)
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			if err := v.verifyDims(ctx); err != nil {
				return err
			}
			return v.ensureIndexes(ctx)
		}
		return wireErr("create collection "+v.collection, err)
	}
	return v.ensureIndexes(ctx)
}

func (v *VectorStore) verifyDims(ctx context.Context) error {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return wireErr("collection info "+v.collection, err)
	}
	size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != 0 && int(size) != v.dims {
		return fmt.Errorf("semantic: collection %s stores %d-dim vectors, configured for %d: %w",
			v.collection, size, v.dims, domain.ErrSchemaMismatch)
	}
	return nil
}

func (v *VectorStore) ensureIndexes(ctx context.Context) error {
	keyword := pb.FieldType_FieldTypeKeyword
	for _, field := range []string{fieldSourceURL, fieldContentHash} {
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.collection,
			FieldName:      field,
			FieldType:      &keyword,
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return wireErr("index "+field, err)
		}
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return wireErr("delete collection "+v.collection, err)
	}
	return nil
}

// UpsertChunks stores chunk embeddings idempotently. Chunks whose stored
// content hash already matches are counted unchanged and not rewritten;
// records failing schema validation are counted skipped and never written.
// Called by engine/ingest.
func (v *VectorStore) UpsertChunks(ctx context.Context, pairs []ChunkVector) (UpsertOutcome, error) {
	var out UpsertOutcome
	if len(pairs) == 0 {
		return out, nil
	}

	groups := make(map[string][]ChunkVector)
	for _, p := range pairs {
		groups[p.Chunk.SourceURL] = append(groups[p.Chunk.SourceURL], p)
	}
	sources := make([]string, 0, len(groups))
	for s := range groups {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	for _, src := range sources {
		o, err := v.upsertSource(ctx, src, groups[src])
		out.Add(o)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (v *VectorStore) upsertSource(ctx context.Context, sourceURL string, pairs []ChunkVector) (UpsertOutcome, error) {
	lock := v.sourceLock(sourceURL)
	lock.Lock()
	defer lock.Unlock()

	var out UpsertOutcome
	valid := pairs[:0:0]
	ids := make([]*pb.PointId, 0, len(pairs))
	for _, p := range pairs {
		if err := v.validRecord(p); err != nil {
			out.Skipped++
			continue
		}
		valid = append(valid, p)
		ids = append(ids, pointID(p.Chunk.ID))
	}
	if len(valid) == 0 {
		return out, nil
	}

	stored, err := v.storedHashes(ctx, ids)
	if err != nil {
		return out, err
	}

	points := make([]*pb.PointStruct, 0, len(valid))
	for _, p := range valid {
		prev, exists := stored[p.Chunk.ID]
		switch {
		case exists && prev == p.Chunk.ContentHash:
			out.Unchanged++
			continue
		case exists:
			out.Updated++
		default:
			out.New++
		}
		points = append(points, toPoint(p))
	}
	if len(points) == 0 {
		return out, nil
	}

	wait := true
	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return out, wireErr(fmt.Sprintf("upsert %d points for %s", len(points), sourceURL), err)
	}
	return out, nil
}

func (v *VectorStore) validRecord(p ChunkVector) error {
	if err := domain.ValidateChunk(p.Chunk); err != nil {
		return err
	}
	if err := domain.ValidateEmbedding(p.Embedding, v.dims); err != nil {
		return err
	}
	if p.Embedding.ChunkID != p.Chunk.ID {
		return fmt.Errorf("semantic: embedding %s paired with chunk %s: %w",
			p.Embedding.ChunkID, p.Chunk.ID, domain.ErrSchemaMismatch)
	}
	return nil
}

// storedHashes fetches the content hashes currently stored for the given ids.
// Missing ids simply have no entry.
func (v *VectorStore) storedHashes(ctx context.Context, ids []*pb.PointId) (map[string]string, error) {
	resp, err := v.points.Get(ctx, &pb.GetPoints{
		CollectionName: v.collection,
		Ids:            ids,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{fieldContentHash}},
			},
		},
	})
	if err != nil {
		return nil, wireErr("get stored hashes", err)
	}
	stored := make(map[string]string, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		stored[p.GetId().GetUuid()] = p.GetPayload()[fieldContentHash].GetStringValue()
	}
	return stored, nil
}

// DeleteOrphans removes points for sourceURL whose ids are not in keep and
// returns how many were deleted. Ingestion calls this after a successful
// upsert so chunks from earlier, longer versions of a page do not linger.
func (v *VectorStore) DeleteOrphans(ctx context.Context, sourceURL string, keep map[string]bool) (int, error) {
	lock := v.sourceLock(sourceURL)
	lock.Lock()
	defer lock.Unlock()

	var orphans []*pb.PointId
	var offset *pb.PointId
	limit := uint32(scrollPageSize)
	for {
		resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: v.collection,
			Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch(fieldSourceURL, sourceURL)}},
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false},
			},
		})
		if err != nil {
			return 0, wireErr("scroll "+sourceURL, err)
		}
		for _, p := range resp.GetResult() {
			if id := p.GetId().GetUuid(); id != "" && !keep[id] {
				orphans = append(orphans, p.GetId())
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: orphans},
			},
		},
	})
	if err != nil {
		return 0, wireErr("delete orphans "+sourceURL, err)
	}
	return len(orphans), nil
}

// DeleteBySource removes every point stored for a source URL.
func (v *VectorStore) DeleteBySource(ctx context.Context, sourceURL string) error {
	lock := v.sourceLock(sourceURL)
	lock.Lock()
	defer lock.Unlock()

	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(fieldSourceURL, sourceURL)}},
			},
		},
	})
	if err != nil {
		return wireErr("delete by source "+sourceURL, err)
	}
	return nil
}

// Search performs k-NN similarity search. Called by engine/retrieval.
func (v *VectorStore) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	return v.SearchFiltered(ctx, vector, topK, nil)
}

// SearchFiltered performs similarity search with optional keyword filters.
func (v *VectorStore) SearchFiltered(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, val := range filters {
			must = append(must, fieldMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, wireErr("search", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := r.GetPayload()
		results[i] = SearchResult{
			ID:           r.GetId().GetUuid(),
			Score:        r.GetScore(),
			Text:         payload[fieldContent].GetStringValue(),
			SourceURL:    payload[fieldSourceURL].GetStringValue(),
			HeadingPath:  domain.SplitHeadingPath(payload[fieldHeadingPath].GetStringValue()),
			Ordinal:      int(payload[fieldOrdinal].GetIntegerValue()),
			ContentHash:  payload[fieldContentHash].GetStringValue(),
			ModelVersion: payload[fieldModelVersion].GetStringValue(),
		}
	}
	return results, nil
}

func toPoint(p ChunkVector) *pb.PointStruct {
	payload := toPayload(map[string]any{
		fieldContent:      p.Chunk.Text,
		fieldSourceURL:    p.Chunk.SourceURL,
		fieldHeadingPath:  domain.JoinHeadingPath(p.Chunk.HeadingPath),
		fieldOrdinal:      p.Chunk.Ordinal,
		fieldContentHash:  p.Chunk.ContentHash,
		fieldModelVersion: p.Embedding.ModelVersion,
	})
	return &pb.PointStruct{
		Id: pointID(p.Chunk.ID),
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: p.Embedding.Vector},
			},
		},
		Payload: payload,
	}
}

func toPayload(fields map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(fields))
	for k, val := range fields {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// wireErr tags retryable gRPC failures with the transient marker so callers
// can distinguish them from schema or validation problems.
func wireErr(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("semantic: %s: %v: %w", op, err, domain.ErrTransient)
	}
	return fmt.Errorf("semantic: %s: %w", op, err)
}
