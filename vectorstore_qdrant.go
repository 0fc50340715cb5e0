package aria

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantVectorStore is an alternate VectorStore backend for deployments that
// outgrow brute-force cosine search. Point payloads carry everything needed
// to reconstruct a Memory and to enforce visibility filtering server-side,
// so the cross-persona leak boundary holds here exactly as it does in
// SQLiteVectorStore.
type QdrantVectorStore struct {
	config QdrantConfig
	client *qdrant.Client
}

// QdrantConfig configures the Qdrant connection and collection.
type QdrantConfig struct {
	Host           string // default localhost
	Port           int    // default 6334 (gRPC)
	APIKey         string
	CollectionName string // default "aria_memories"
	VectorSize     int    // default 1536 (OpenAI text-embedding-3-small)
	Distance       string // cosine, euclidean, dot (default cosine)
}

// QdrantVectorStoreOption customizes QdrantConfig construction.
type QdrantVectorStoreOption func(*QdrantConfig)

func WithQdrantAPIKey(key string) QdrantVectorStoreOption {
	return func(c *QdrantConfig) { c.APIKey = key }
}

func WithQdrantDistance(distance string) QdrantVectorStoreOption {
	return func(c *QdrantConfig) { c.Distance = distance }
}

func WithQdrantVectorSize(size int) QdrantVectorStoreOption {
	return func(c *QdrantConfig) { c.VectorSize = size }
}

// NewQdrantVectorStore connects to Qdrant and ensures the collection exists.
func NewQdrantVectorStore(ctx context.Context, addr string, opts ...QdrantVectorStoreOption) (*QdrantVectorStore, error) {
	cfg := QdrantConfig{
		Host:           "localhost",
		Port:           6334,
		CollectionName: "aria_memories",
		VectorSize:     1536,
		Distance:       "cosine",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
			portStr = "6334"
		}
		cfg.Host = host
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	clientConfig := &qdrant.Config{Host: cfg.Host, Port: cfg.Port}
	if cfg.APIKey != "" {
		clientConfig.APIKey = cfg.APIKey
	}

	client, err := qdrant.NewClient(clientConfig)
	if err != nil {
		return nil, errInternal("vectorstore_qdrant.connect", err)
	}

	store := &QdrantVectorStore{config: cfg, client: client}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (q *QdrantVectorStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.config.CollectionName)
	if err != nil {
		return errInternal("vectorstore_qdrant.ensure_collection", err)
	}
	if exists {
		return nil
	}

	distance := qdrant.Distance_Cosine
	switch q.config.Distance {
	case "euclidean":
		distance = qdrant.Distance_Euclid
	case "dot":
		distance = qdrant.Distance_Dot
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.config.VectorSize),
			Distance: distance,
		}),
	})
	if err != nil {
		return errInternal("vectorstore_qdrant.ensure_collection", err)
	}
	return nil
}

func qdrantPointID(memoryID int64) *qdrant.PointId {
	if memoryID == 0 {
		// A fresh random numeric id, so Upsert can report it as the memory id.
		u := uuid.New()
		return qdrant.NewIDNum(binary.BigEndian.Uint64(u[:8]) >> 1)
	}
	// Deterministic so re-upserting the same memory id replaces the point.
	return qdrant.NewIDNum(uint64(memoryID))
}

func memoryToPayload(m Memory) (map[string]*qdrant.Value, error) {
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, err
	}
	payload := map[string]*qdrant.Value{
		"persona_id":        qdrant.NewValueString(m.PersonaID),
		"content":           qdrant.NewValueString(m.Content),
		"importance":        qdrant.NewValueDouble(m.Importance),
		"kind":              qdrant.NewValueString(m.Kind),
		"visibility":        qdrant.NewValueString(string(m.Visibility)),
		"emotional_valence": qdrant.NewValueDouble(m.EmotionalValence),
		"access_count":      qdrant.NewValueInt(int64(m.AccessCount)),
		"created_at":        qdrant.NewValueString(formatTime(m.CreatedAt)),
		"metadata":          qdrant.NewValueString(string(metaJSON)),
	}
	if m.LastAccessedAt != nil {
		payload["last_accessed_at"] = qdrant.NewValueString(formatTime(*m.LastAccessedAt))
	}
	return payload, nil
}

func payloadToMemory(id int64, payload map[string]*qdrant.Value, vec []float32) Memory {
	m := Memory{ID: id, Embedding: vec}
	if v, ok := payload["persona_id"]; ok {
		m.PersonaID = v.GetStringValue()
	}
	if v, ok := payload["content"]; ok {
		m.Content = v.GetStringValue()
	}
	if v, ok := payload["importance"]; ok {
		m.Importance = v.GetDoubleValue()
	}
	if v, ok := payload["kind"]; ok {
		m.Kind = v.GetStringValue()
	}
	if v, ok := payload["visibility"]; ok {
		m.Visibility = Visibility(v.GetStringValue())
	}
	if v, ok := payload["emotional_valence"]; ok {
		m.EmotionalValence = v.GetDoubleValue()
	}
	if v, ok := payload["access_count"]; ok {
		m.AccessCount = int(v.GetIntegerValue())
	}
	if v, ok := payload["created_at"]; ok {
		m.CreatedAt = parseTime(v.GetStringValue())
	}
	if v, ok := payload["last_accessed_at"]; ok && v.GetStringValue() != "" {
		t := parseTime(v.GetStringValue())
		m.LastAccessedAt = &t
	}
	if v, ok := payload["metadata"]; ok && v.GetStringValue() != "" {
		json.Unmarshal([]byte(v.GetStringValue()), &m.Metadata)
	}
	return m
}

// EnsureCollection is a no-op: all personas share one physical Qdrant
// collection (config.CollectionName), partitioned by the persona_id payload
// field and filter, and NewQdrantVectorStore already created it.
func (q *QdrantVectorStore) EnsureCollection(ctx context.Context, personaID string) error {
	return nil
}

func (q *QdrantVectorStore) Upsert(ctx context.Context, m Memory) (int64, error) {
	payload, err := memoryToPayload(m)
	if err != nil {
		return 0, err
	}
	pointID := qdrantPointID(m.ID)

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.config.CollectionName,
		Points: []*qdrant.PointStruct{{
			Id:      pointID,
			Vectors: qdrant.NewVectors(m.Embedding...),
			Payload: payload,
		}},
	})
	if err != nil {
		return 0, errInternal("vectorstore_qdrant.upsert", err)
	}
	if m.ID != 0 {
		return m.ID, nil
	}
	return int64(pointID.GetNum()), nil
}

func (q *QdrantVectorStore) Query(ctx context.Context, personaID string, queryVec []float32, visibilities []Visibility, minImportance float64, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 20
	}
	if len(visibilities) == 0 {
		return nil, nil
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("persona_id", personaID),
		qdrant.NewRange("importance", &qdrant.Range{Gte: &minImportance}),
	}
	should := make([]*qdrant.Condition, 0, len(visibilities))
	for _, v := range visibilities {
		should = append(should, qdrant.NewMatch("visibility", string(v)))
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.config.CollectionName,
		Query:          qdrant.NewQuery(queryVec...),
		Filter:         &qdrant.Filter{Must: must, Should: should},
		Limit:          qdrantUint64Ptr(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, errInternal("vectorstore_qdrant.query", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		var vec []float32
		if p.Vectors != nil && p.Vectors.GetVector() != nil {
			vec = p.Vectors.GetVector().GetData()
		}
		m := payloadToMemory(int64(p.Id.GetNum()), p.Payload, vec)
		results = append(results, SearchResult{
			Memory:     m,
			Similarity: float64(p.Score),
			Source:     "own",
		})
	}
	return results, nil
}

func (q *QdrantVectorStore) Get(ctx context.Context, id int64) (Memory, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.config.CollectionName,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return Memory{}, errInternal("vectorstore_qdrant.get", err)
	}
	if len(points) == 0 {
		return Memory{}, errMemoryNotFound("vectorstore_qdrant.get", id)
	}
	var vec []float32
	if points[0].Vectors != nil && points[0].Vectors.GetVector() != nil {
		vec = points[0].Vectors.GetVector().GetData()
	}
	return payloadToMemory(id, points[0].Payload, vec), nil
}

func (q *QdrantVectorStore) BatchUpdateMetadata(ctx context.Context, ids []int64, metadata []map[string]string) error {
	const op = "vectorstore_qdrant.batch_update_metadata"
	if len(ids) != len(metadata) {
		return errInvariant(op, "ids and metadata must be paired")
	}

	for i, id := range ids {
		payload := map[string]*qdrant.Value{}
		extension := make(map[string]string)
		for k, v := range metadata[i] {
			if k == "importance" {
				imp, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return errInvariant(op, "importance must be numeric: "+v)
				}
				payload["importance"] = qdrant.NewValueDouble(imp)
				continue
			}
			extension[k] = v
		}
		if len(extension) > 0 {
			// Extensional metadata lives as one JSON payload field, so merge
			// against the stored point to leave unmentioned entries intact.
			if existing, err := q.Get(ctx, id); err == nil {
				merged := existing.Metadata
				if merged == nil {
					merged = make(map[string]string)
				}
				for k, v := range extension {
					merged[k] = v
				}
				extension = merged
			}
			buf, err := json.Marshal(extension)
			if err != nil {
				return errInternal(op, err)
			}
			payload["metadata"] = qdrant.NewValueString(string(buf))
		}
		if len(payload) == 0 {
			continue
		}

		_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: q.config.CollectionName,
			Payload:        payload,
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(id))),
		})
		if err != nil {
			return errInternal(op, err)
		}
	}
	return nil
}

func (q *QdrantVectorStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.config.CollectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return errInternal("vectorstore_qdrant.delete", err)
	}
	return nil
}

func (q *QdrantVectorStore) All(ctx context.Context, personaID string) ([]Memory, error) {
	var out []Memory
	var offset *qdrant.PointId

	for {
		resp, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.config.CollectionName,
			Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("persona_id", personaID)}},
			Limit:          qdrantUint32Ptr(256),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, errInternal("vectorstore_qdrant.all", err)
		}
		for _, p := range resp {
			var vec []float32
			if p.Vectors != nil && p.Vectors.GetVector() != nil {
				vec = p.Vectors.GetVector().GetData()
			}
			out = append(out, payloadToMemory(int64(p.Id.GetNum()), p.Payload, vec))
		}
		if len(resp) == 0 {
			break
		}
		offset = resp[len(resp)-1].Id
		if len(resp) < 256 {
			break
		}
	}
	return out, nil
}

func (q *QdrantVectorStore) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func qdrantUint64Ptr(v uint64) *uint64 { return &v }
func qdrantUint32Ptr(v uint32) *uint32 { return &v }
