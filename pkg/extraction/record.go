package extraction

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
	"github.com/memtensor/hybridmem/pkg/vectordb"
)

// ToDocument renders a record as a semantic store document (kind=preference)
func ToDocument(rec types.PreferenceRecord) types.StoredDocument {
	meta := vectordb.FlattenMetadata(map[string]interface{}{
		types.MetaKind:            types.KindPreference,
		types.MetaID:              rec.ID,
		types.MetaUserID:          rec.UserID,
		types.MetaPreferenceType:  string(rec.Type),
		types.MetaTopic:           rec.Topic,
		types.MetaAction:          rec.Action,
		types.MetaTimeframe:       rec.Timeframe,
		types.MetaSentiment:       string(rec.Sentiment),
		types.MetaConfidence:      rec.Confidence,
		types.MetaEntities:        vectordb.EncodeList(rec.Entities),
		types.MetaSourceMessageID: rec.SourceMessageID,
		types.MetaThreadID:        rec.ThreadID,
		types.MetaCapturedAt:      rec.CapturedAt,
		types.MetaCreatedAt:       rec.CapturedAt,
	})
	for _, key := range []string{types.MetaSourceMessageID, types.MetaThreadID} {
		if meta[key] == "" {
			delete(meta, key)
		}
	}

	text := strings.TrimSpace(rec.Text)
	if text == "" {
		text = strings.TrimSpace(rec.Topic + " " + rec.Action)
	}
	return types.StoredDocument{ID: rec.ID, Text: text, Metadata: meta}
}

// RecordFromDocument rebuilds a record from a stored document
func RecordFromDocument(id, text string, meta map[string]string) (types.PreferenceRecord, error) {
	if meta[types.MetaKind] != types.KindPreference {
		return types.PreferenceRecord{}, errors.NewInvalidInputError("document is not a preference record").
			WithDetail("id", id)
	}
	conf, err := strconv.ParseFloat(meta[types.MetaConfidence], 64)
	if err != nil {
		return types.PreferenceRecord{}, errors.NewInvalidInputError("preference document has no numeric confidence").
			WithDetail("id", id)
	}
	captured, _ := time.Parse(time.RFC3339Nano, meta[types.MetaCapturedAt])

	return types.PreferenceRecord{
		ID:              id,
		UserID:          meta[types.MetaUserID],
		Type:            types.ParsePreferenceType(meta[types.MetaPreferenceType]),
		Topic:           meta[types.MetaTopic],
		Action:          meta[types.MetaAction],
		Text:            text,
		Timeframe:       meta[types.MetaTimeframe],
		Sentiment:       types.ParseSentiment(meta[types.MetaSentiment]),
		Confidence:      conf,
		Entities:        vectordb.ExpandList(meta[types.MetaEntities]),
		SourceMessageID: meta[types.MetaSourceMessageID],
		ThreadID:        meta[types.MetaThreadID],
		CapturedAt:      captured,
	}, nil
}

// ExtractAndStore extracts records and upserts them into store. Store
// failures are logged and counted; the extracted records are still returned.
func (p *Pipeline) ExtractAndStore(ctx context.Context, store interfaces.SemanticStore, messages []types.ConversationMessage, ids types.OwnerIdentifiers, threadID string) ([]types.PreferenceRecord, error) {
	owner, err := p.ResolveOwner(ids)
	if err != nil {
		return nil, err
	}
	return p.ExtractAndStoreFor(ctx, store, messages, owner, threadID)
}

// ExtractAndStoreFor is ExtractAndStore for an owner already resolved by
// ResolveOwner, so the identity fallback is reported once per turn.
func (p *Pipeline) ExtractAndStoreFor(ctx context.Context, store interfaces.SemanticStore, messages []types.ConversationMessage, owner Owner, threadID string) ([]types.PreferenceRecord, error) {
	records, err := p.ExtractFor(ctx, messages, owner, threadID)
	if err != nil || len(records) == 0 || store == nil {
		return records, err
	}

	docs := make([]types.StoredDocument, len(records))
	for i, rec := range records {
		docs[i] = ToDocument(rec)
	}
	if err := store.Upsert(ctx, docs); err != nil {
		p.logger.Error("Failed to persist extracted preferences", err, map[string]interface{}{
			"count": len(docs),
		})
		p.metrics.Counter("extraction_store_failure", 1, nil)
	}
	return records, nil
}
