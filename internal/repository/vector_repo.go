package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/config"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const defaultVectorDimension = 1024

// apiKeyInterceptor creates a unary interceptor that adds the API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// ChunkVectorRepository stores chunk embeddings in Qdrant so accepted chunks
// stay retrievable for downstream template and requirement-document tasks.
type ChunkVectorRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewChunkVectorRepository creates a new ChunkVectorRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API key).
// Parameters:
//   - cfg: Qdrant connection configuration.
// Returns:
//   - *ChunkVectorRepository: repository bound to the collection.
//   - error: non-nil if the gRPC client cannot be created.
func NewChunkVectorRepository(cfg *config.QdrantConfig) (*ChunkVectorRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.Dimensions
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	var opts []grpc.DialOption
	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &ChunkVectorRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection.
func (r *ChunkVectorRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the collection cannot be created or has a
//     mismatched vector size.
func (r *ChunkVectorRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
			}
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}
	config := info.GetConfig()
	if config == nil {
		return 0, false
	}
	params := config.GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// ChunkPayload is the payload stored with each chunk vector.
type ChunkPayload struct {
	DocumentID uint
	ChunkIndex int
	Section    string
	Text       string
}

// UpsertChunk inserts or updates a chunk embedding with its payload.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - pointID: UUID string identifying the chunk point.
//   - vector: embedding vector.
//   - payload: chunk payload.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *ChunkVectorRepository) UpsertChunk(ctx context.Context, pointID string, vector []float32, payload *ChunkPayload) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	points := []*pb.PointStruct{
		{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vector},
				},
			},
			Payload: map[string]*pb.Value{
				"document_id": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(payload.DocumentID)}},
				"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(payload.ChunkIndex)}},
				"section":     {Kind: &pb.Value_StringValue{StringValue: payload.Section}},
				"text":        {Kind: &pb.Value_StringValue{StringValue: payload.Text}},
			},
		},
	}

	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// DeleteByDocument removes all chunk vectors belonging to a document, used
// before reprocessing so stale chunks do not linger.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - documentID: owning document.
// Returns:
//   - error: non-nil if the delete fails.
func (r *ChunkVectorRepository) DeleteByDocument(ctx context.Context, documentID uint) error {
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						{
							ConditionOneOf: &pb.Condition_Field{
								Field: &pb.FieldCondition{
									Key: "document_id",
									Match: &pb.Match{
										MatchValue: &pb.Match_Integer{Integer: int64(documentID)},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}
