package vectordb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

// Payload keys reserved for the document itself
const (
	payloadDocID = "_doc_id"
	payloadText  = "_text"
)

const scrollPageSize = 256

var pointNamespace = uuid.MustParse("3f0e1b52-7c4d-4a8e-9b61-5d2c8f7a1e90")

// QdrantStore is a SemanticStore backed by a Qdrant collection over gRPC.
// Metadata is stored as string payload fields so filters are exact keyword matches.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	config      config.QdrantConfig
	embedder    interfaces.Embedder
	logger      interfaces.Logger
}

// NewQdrantStore connects to Qdrant and creates the collection when missing
func NewQdrantStore(ctx context.Context, cfg config.QdrantConfig, embedder interfaces.Embedder, log interfaces.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, errors.NewConfigInvalidError("qdrant store requires an embedder")
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.NewConfigInvalidError("qdrant host and port are required")
	}
	if cfg.Collection == "" {
		return nil, errors.NewConfigInvalidError("qdrant collection name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &QdrantStore{
		config:   cfg,
		embedder: embedder,
		logger:   logger.OrNop(log),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}

	operation := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		conn, err := grpc.DialContext(dialCtx, address, opts...)
		if err != nil {
			return fmt.Errorf("failed to connect to qdrant at %s: %w", address, err)
		}
		s.conn = conn
		return nil
	}

	retryConfig := backoff.NewExponentialBackOff()
	retryConfig.MaxElapsedTime = s.config.Timeout

	if err := backoff.Retry(operation, backoff.WithContext(retryConfig, ctx)); err != nil {
		return errors.NewConnectionFailedError(address, err)
	}

	s.points = qdrant.NewPointsClient(s.conn)
	s.collections = qdrant.NewCollectionsClient(s.conn)
	s.logger.Info("Connected to qdrant", map[string]interface{}{"address": address})
	return nil
}

func (s *QdrantStore) withAuth(ctx context.Context) context.Context {
	if s.config.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.config.APIKey)
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx = s.withAuth(ctx)
	resp, err := s.collections.CollectionExists(ctx, &qdrant.CollectionExistsRequest{
		CollectionName: s.config.Collection,
	})
	if err != nil {
		return errors.NewStoreError("failed to check collection existence", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	_, err = s.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(s.embedder.GetDimension()),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return errors.NewStoreError("failed to create collection", err).WithDetail("collection", s.config.Collection)
	}
	s.logger.Info("Created qdrant collection", map[string]interface{}{
		"collection": s.config.Collection,
		"dimension":  s.embedder.GetDimension(),
	})
	return nil
}

// Query returns up to limit documents closest to text that match filter
func (s *QdrantStore) Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error) {
	if limit <= 0 || text == "" {
		return []types.SearchHit{}, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.NewStoreError("failed to embed query", err)
	}

	resp, err := s.points.Search(s.withAuth(ctx), &qdrant.SearchPoints{
		CollectionName: s.config.Collection,
		Vector:         vec,
		Limit:          uint64(limit),
		Filter:         convertFilter(filter),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, errors.NewQueryFailedError(text, err)
	}

	hits := make([]types.SearchHit, 0, len(resp.Result))
	for _, point := range resp.Result {
		id, content, meta := decodePayload(point.Id, point.Payload)
		hits = append(hits, types.SearchHit{
			ID:       id,
			Text:     content,
			Metadata: meta,
			Distance: 1 - float64(point.Score),
		})
	}
	return hits, nil
}

// Get returns every document matching filter ordered by id
func (s *QdrantStore) Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error) {
	ctx = s.withAuth(ctx)
	pageSize := uint32(scrollPageSize)

	type row struct {
		id, text string
		meta     map[string]string
	}
	var rows []row
	var offset *qdrant.PointId
	for {
		resp, err := s.points.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         convertFilter(filter),
			Offset:         offset,
			Limit:          &pageSize,
			WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, errors.NewStoreError("failed to scroll points", err)
		}
		for _, point := range resp.Result {
			id, text, meta := decodePayload(point.Id, point.Payload)
			rows = append(rows, row{id: id, text: text, meta: meta})
		}
		if resp.NextPageOffset == nil {
			break
		}
		offset = resp.NextPageOffset
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	result := &types.GetResult{IDs: []string{}, Documents: []string{}, Metadatas: []map[string]string{}}
	for _, r := range rows {
		result.Append(r.id, r.text, r.meta)
	}
	return result, nil
}

// Upsert inserts or replaces documents by id
func (s *QdrantStore) Upsert(ctx context.Context, docs []types.StoredDocument) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return errors.NewInvalidInputError("document id is empty").WithDetail("index", i)
		}
		texts[i] = d.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errors.NewStoreError("failed to embed documents", err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id: pointID(d.ID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: vectors[i]},
				},
			},
			Payload: encodePayload(d),
		}
	}

	wait := true
	_, err = s.points.Upsert(s.withAuth(ctx), &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return errors.NewStoreError("failed to upsert points", err)
	}
	return nil
}

// Delete removes documents by id
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	wait := true
	_, err := s.points.Delete(s.withAuth(ctx), &qdrant.DeletePoints{
		CollectionName: s.config.Collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return errors.NewStoreError("failed to delete points", err)
	}
	return nil
}

// Close closes the gRPC connection
func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// pointID maps a document id onto a Qdrant point id. Qdrant only accepts
// UUIDs or integers, so other ids are hashed into a stable UUID and the
// original is kept in the payload.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewSHA1(pointNamespace, []byte(id)).String()
	}
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
}

func encodePayload(doc types.StoredDocument) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
	for key, value := range doc.Metadata {
		payload[key] = stringValue(value)
	}
	payload[payloadDocID] = stringValue(doc.ID)
	payload[payloadText] = stringValue(doc.Text)
	return payload
}

func decodePayload(id *qdrant.PointId, payload map[string]*qdrant.Value) (string, string, map[string]string) {
	docID := id.GetUuid()
	if docID == "" {
		docID = fmt.Sprintf("%d", id.GetNum())
	}
	var text string
	meta := make(map[string]string, len(payload))
	for key, value := range payload {
		s := payloadString(value)
		switch key {
		case payloadDocID:
			docID = s
		case payloadText:
			text = s
		default:
			meta[key] = s
		}
	}
	return docID, text, meta
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// payloadString renders payload written by other clients as a scalar string
func payloadString(value *qdrant.Value) string {
	switch v := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		s, _ := flattenValue(v.IntegerValue)
		return s
	case *qdrant.Value_DoubleValue:
		s, _ := flattenValue(v.DoubleValue)
		return s
	case *qdrant.Value_BoolValue:
		s, _ := flattenValue(v.BoolValue)
		return s
	case *qdrant.Value_ListValue:
		items := make([]string, 0, len(v.ListValue.GetValues()))
		for _, item := range v.ListValue.GetValues() {
			items = append(items, payloadString(item))
		}
		return EncodeList(items)
	default:
		return ""
	}
}

func convertFilter(filter types.MetadataFilter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, key := range keys {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: filter[key]},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}
