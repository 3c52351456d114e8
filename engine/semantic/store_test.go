package semantic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/libroai/libro/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertReqs  []*pb.UpsertPoints
	upsertErr   error
	deleteReqs  []*pb.DeletePoints
	deleteErr   error
	getResp     *pb.GetResponse
	getErr      error
	scrollResps []*pb.ScrollResponse
	scrollCall  int
	scrollErr   error
	searchReqs  []*pb.SearchPoints
	searchResp  *pb.SearchResponse
	searchErr   error
	indexFields []string
	indexErr    error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReqs = append(m.upsertReqs, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleteReqs = append(m.deleteReqs, in)
	return &pb.PointsOperationResponse{}, m.deleteErr
}

func (m *mockPoints) Get(_ context.Context, _ *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResp == nil {
		return &pb.GetResponse{}, nil
	}
	return m.getResp, nil
}

func (m *mockPoints) Scroll(_ context.Context, _ *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	if m.scrollErr != nil {
		return nil, m.scrollErr
	}
	if m.scrollCall >= len(m.scrollResps) {
		return &pb.ScrollResponse{}, nil
	}
	resp := m.scrollResps[m.scrollCall]
	m.scrollCall++
	return resp, nil
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReqs = append(m.searchReqs, in)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if m.searchResp == nil {
		return &pb.SearchResponse{}, nil
	}
	return m.searchResp, nil
}

func (m *mockPoints) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.indexFields = append(m.indexFields, in.GetFieldName())
	return &pb.PointsOperationResponse{}, m.indexErr
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	infoResp  *pb.GetCollectionInfoResponse
	infoErr   error
	created   int
	createErr error
	deleteErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listResp == nil {
		return &pb.ListCollectionsResponse{}, nil
	}
	return m.listResp, nil
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	if m.infoResp == nil {
		return &pb.GetCollectionInfoResponse{}, nil
	}
	return m.infoResp, nil
}

func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created++
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{Result: true}, m.deleteErr
}

func collectionInfo(dims uint64) *pb.GetCollectionInfoResponse {
	return &pb.GetCollectionInfoResponse{
		Result: &pb.CollectionInfo{
			Config: &pb.CollectionConfig{
				Params: &pb.CollectionParams{
					VectorsConfig: &pb.VectorsConfig{
						Config: &pb.VectorsConfig_Params{
							Params: &pb.VectorParams{Size: dims},
						},
					},
				},
			},
		},
	}
}

// --- Fixtures ---

const testSource = "https://docs.example.com/guide"

func pair(ordinal int, text string) ChunkVector {
	id := domain.ChunkID(testSource, ordinal)
	return ChunkVector{
		Chunk: domain.Chunk{
			ID:          id,
			Text:        text,
			SourceURL:   testSource,
			ContentHash: domain.HashText(text),
			Ordinal:     ordinal,
			HeadingPath: []string{"Guide"},
		},
		Embedding: domain.Embedding{
			ChunkID:      id,
			Vector:       []float32{1, 0, 0, 0},
			ModelVersion: "embed-multilingual-v3.0",
		},
	}
}

func storedPoint(id, hash string) *pb.RetrievedPoint {
	return &pb.RetrievedPoint{
		Id: pointID(id),
		Payload: map[string]*pb.Value{
			fieldContentHash: {Kind: &pb.Value_StringValue{StringValue: hash}},
		},
	}
}

// --- EnsureCollection ---

func TestEnsureCollection_CreatesWithIndexes(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}}
	vs := NewWithClients(pts, cols, "test", 4)

	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.created != 1 {
		t.Errorf("created = %d, want 1", cols.created)
	}
	if len(pts.indexFields) != 2 || pts.indexFields[0] != fieldSourceURL || pts.indexFields[1] != fieldContentHash {
		t.Errorf("index fields = %v", pts.indexFields)
	}
}

func TestEnsureCollection_ExistingVerified(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "test"}},
		},
		infoResp: collectionInfo(4),
	}
	vs := NewWithClients(pts, cols, "test", 4)

	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.created != 0 {
		t.Error("existing collection must not be recreated")
	}
	if len(pts.indexFields) != 2 {
		t.Errorf("indexes not ensured on existing collection: %v", pts.indexFields)
	}
}

func TestEnsureCollection_DimsMismatch(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "test"}},
		},
		infoResp: collectionInfo(768),
	}
	vs := NewWithClients(&mockPoints{}, cols, "test", 1024)

	err := vs.EnsureCollection(context.Background())
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("error = %v, want ErrSchemaMismatch", err)
	}
}

func TestEnsureCollection_LostCreationRace(t *testing.T) {
	cols := &mockCollections{
		listResp:  &pb.ListCollectionsResponse{},
		createErr: status.Error(codes.AlreadyExists, "already exists"),
		infoResp:  collectionInfo(4),
	}
	vs := NewWithClients(&mockPoints{}, cols, "test", 4)

	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("losing a creation race must not fail: %v", err)
	}
}

func TestEnsureCollection_ListUnavailableIsTransient(t *testing.T) {
	cols := &mockCollections{listErr: status.Error(codes.Unavailable, "down")}
	vs := NewWithClients(&mockPoints{}, cols, "test", 4)

	err := vs.EnsureCollection(context.Background())
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
}

// --- UpsertChunks ---

func TestUpsertChunks_Empty(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	out, err := vs.UpsertChunks(context.Background(), nil)
	if err != nil || out.Total() != 0 {
		t.Fatalf("got (%+v, %v), want zero outcome", out, err)
	}
	if len(pts.upsertReqs) != 0 {
		t.Error("empty input must not reach the store")
	}
}

func TestUpsertChunks_ClassifiesNewUpdatedUnchanged(t *testing.T) {
	unchanged := pair(0, "stable text")
	updated := pair(1, "fresh text")
	added := pair(2, "brand new text")

	pts := &mockPoints{
		getResp: &pb.GetResponse{Result: []*pb.RetrievedPoint{
			storedPoint(unchanged.Chunk.ID, unchanged.Chunk.ContentHash),
			storedPoint(updated.Chunk.ID, domain.HashText("stale text")),
		}},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	out, err := vs.UpsertChunks(context.Background(), []ChunkVector{unchanged, updated, added})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := UpsertOutcome{New: 1, Updated: 1, Unchanged: 1}
	if out != want {
		t.Fatalf("outcome = %+v, want %+v", out, want)
	}
	if len(pts.upsertReqs) != 1 {
		t.Fatalf("upsert calls = %d, want 1", len(pts.upsertReqs))
	}
	if got := len(pts.upsertReqs[0].GetPoints()); got != 2 {
		t.Errorf("wrote %d points, unchanged chunk must not be rewritten", got)
	}
}

func TestUpsertChunks_AllUnchangedWritesNothing(t *testing.T) {
	a, b := pair(0, "alpha"), pair(1, "beta")
	pts := &mockPoints{
		getResp: &pb.GetResponse{Result: []*pb.RetrievedPoint{
			storedPoint(a.Chunk.ID, a.Chunk.ContentHash),
			storedPoint(b.Chunk.ID, b.Chunk.ContentHash),
		}},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	out, err := vs.UpsertChunks(context.Background(), []ChunkVector{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Unchanged != 2 || out.New != 0 || out.Updated != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if len(pts.upsertReqs) != 0 {
		t.Error("no writes expected when every chunk is unchanged")
	}
}

func TestUpsertChunks_SkipsMalformed(t *testing.T) {
	good := pair(0, "valid chunk text")
	empty := pair(1, "placeholder")
	empty.Chunk.Text = "   "
	badDims := pair(2, "wrong vector size")
	badDims.Embedding.Vector = []float32{1, 0}

	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	out, err := vs.UpsertChunks(context.Background(), []ChunkVector{good, empty, badDims})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped != 2 || out.New != 1 {
		t.Fatalf("outcome = %+v, want 2 skipped 1 new", out)
	}
	if got := len(pts.upsertReqs[0].GetPoints()); got != 1 {
		t.Errorf("wrote %d points, want 1", got)
	}
}

func TestUpsertChunks_MismatchedPairSkipped(t *testing.T) {
	p := pair(0, "text")
	p.Embedding.ChunkID = domain.ChunkID(testSource, 99)

	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	out, err := vs.UpsertChunks(context.Background(), []ChunkVector{p})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped != 1 {
		t.Errorf("outcome = %+v, want skipped", out)
	}
}

func TestUpsertChunks_UpsertErrorPropagates(t *testing.T) {
	pts := &mockPoints{upsertErr: status.Error(codes.Unavailable, "down")}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	_, err := vs.UpsertChunks(context.Background(), []ChunkVector{pair(0, "text")})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
}

// --- DeleteOrphans ---

func TestDeleteOrphans_RemovesStale(t *testing.T) {
	keepA := domain.ChunkID(testSource, 0)
	keepB := domain.ChunkID(testSource, 1)
	stale := domain.ChunkID(testSource, 2)

	pts := &mockPoints{
		scrollResps: []*pb.ScrollResponse{{
			Result: []*pb.RetrievedPoint{
				{Id: pointID(keepA)},
				{Id: pointID(keepB)},
				{Id: pointID(stale)},
			},
		}},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	n, err := vs.DeleteOrphans(context.Background(), testSource, map[string]bool{keepA: true, keepB: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	ids := pts.deleteReqs[0].GetPoints().GetPoints().GetIds()
	if len(ids) != 1 || ids[0].GetUuid() != stale {
		t.Errorf("deleted ids = %v, want [%s]", ids, stale)
	}
}

func TestDeleteOrphans_FollowsPagination(t *testing.T) {
	first := domain.ChunkID(testSource, 0)
	second := domain.ChunkID(testSource, 1)

	pts := &mockPoints{
		scrollResps: []*pb.ScrollResponse{
			{
				Result:         []*pb.RetrievedPoint{{Id: pointID(first)}},
				NextPageOffset: pointID(second),
			},
			{
				Result: []*pb.RetrievedPoint{{Id: pointID(second)}},
			},
		},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	n, err := vs.DeleteOrphans(context.Background(), testSource, map[string]bool{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2 across pages", n)
	}
	if pts.scrollCall != 2 {
		t.Errorf("scroll calls = %d, want 2", pts.scrollCall)
	}
}

func TestDeleteOrphans_NothingStale(t *testing.T) {
	id := domain.ChunkID(testSource, 0)
	pts := &mockPoints{
		scrollResps: []*pb.ScrollResponse{{
			Result: []*pb.RetrievedPoint{{Id: pointID(id)}},
		}},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	n, err := vs.DeleteOrphans(context.Background(), testSource, map[string]bool{id: true})
	if err != nil || n != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", n, err)
	}
	if len(pts.deleteReqs) != 0 {
		t.Error("no delete expected when every point is kept")
	}
}

// --- DeleteBySource ---

func TestDeleteBySource(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	if err := vs.DeleteBySource(context.Background(), testSource); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filter := pts.deleteReqs[0].GetPoints().GetFilter()
	if filter == nil || len(filter.GetMust()) != 1 {
		t.Fatalf("expected a single source filter, got %v", filter)
	}
	cond := filter.GetMust()[0].GetField()
	if cond.GetKey() != fieldSourceURL || cond.GetMatch().GetKeyword() != testSource {
		t.Errorf("filter = %s=%s", cond.GetKey(), cond.GetMatch().GetKeyword())
	}
}

// --- Search ---

func TestSearch_MapsPayload(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{{
				Id:    pointID("11111111-1111-1111-1111-111111111111"),
				Score: 0.92,
				Payload: map[string]*pb.Value{
					fieldContent:      {Kind: &pb.Value_StringValue{StringValue: "install with apt"}},
					fieldSourceURL:    {Kind: &pb.Value_StringValue{StringValue: testSource}},
					fieldHeadingPath:  {Kind: &pb.Value_StringValue{StringValue: "Guide > Setup"}},
					fieldOrdinal:      {Kind: &pb.Value_IntegerValue{IntegerValue: 3}},
					fieldContentHash:  {Kind: &pb.Value_StringValue{StringValue: "abc"}},
					fieldModelVersion: {Kind: &pb.Value_StringValue{StringValue: "embed-multilingual-v3.0"}},
				},
			}},
		},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	results, err := vs.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[0]
	if r.Text != "install with apt" || r.SourceURL != testSource || r.Ordinal != 3 {
		t.Errorf("result = %+v", r)
	}
	if len(r.HeadingPath) != 2 || r.HeadingPath[1] != "Setup" {
		t.Errorf("heading path = %v", r.HeadingPath)
	}
	if r.ModelVersion != "embed-multilingual-v3.0" {
		t.Errorf("model version = %q", r.ModelVersion)
	}
}

func TestSearch_EmptyResults(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	results, err := vs.Search(context.Background(), []float32{1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestSearch_UnavailableIsTransient(t *testing.T) {
	pts := &mockPoints{searchErr: status.Error(codes.Unavailable, "down")}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	_, err := vs.Search(context.Background(), []float32{1}, 5)
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
}

func TestSearchFiltered_BuildsFilter(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	_, err := vs.SearchFiltered(context.Background(), []float32{1}, 5, map[string]string{fieldSourceURL: testSource})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filter := pts.searchReqs[0].GetFilter()
	if filter == nil || len(filter.GetMust()) != 1 {
		t.Fatalf("filter = %v", filter)
	}
}

// --- Misc ---

func TestNewWithClients_CloseWithoutConn(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	if vs == nil {
		t.Fatal("expected non-nil store")
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWireErr_NonTransientCodesStayFatal(t *testing.T) {
	err := wireErr("op", status.Error(codes.InvalidArgument, "bad request"))
	if errors.Is(err, domain.ErrTransient) {
		t.Fatal("InvalidArgument must not be transient")
	}
	err = wireErr("op", fmt.Errorf("plain failure"))
	if errors.Is(err, domain.ErrTransient) {
		t.Fatal("plain errors must not be transient")
	}
}
