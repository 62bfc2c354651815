// Package isolation decides which stored memory items an agent may read
package isolation

import (
	"strings"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

// Mode selects how untagged items are treated
type Mode string

const (
	// ModePermissive shows untagged legacy items to every agent
	ModePermissive Mode = "permissive"
	// ModeStrict shows only items tagged for the requesting agent
	ModeStrict Mode = "strict"
)

// ParseMode reads a configured mode case-insensitively. Empty means permissive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModePermissive:
		return ModePermissive, nil
	case ModeStrict:
		return ModeStrict, nil
	default:
		return "", errors.NewConfigInvalidError("unknown isolation mode").WithDetail("mode", s)
	}
}

// Filter is the agent isolation filter
type Filter struct {
	mode    Mode
	logger  interfaces.Logger
	metrics interfaces.Metrics
}

// NewFilter creates a filter for mode
func NewFilter(mode Mode, log interfaces.Logger, m interfaces.Metrics) *Filter {
	if mode != ModeStrict {
		mode = ModePermissive
	}
	return &Filter{mode: mode, logger: logger.OrNop(log), metrics: metrics.OrNoOp(m)}
}

// Mode returns the active mode
func (f *Filter) Mode() Mode {
	return f.mode
}

// Visible reports whether an item with metadata meta may be read by agentID.
// Agent tags compare case-insensitively.
func (f *Filter) Visible(meta map[string]string, agentID string) bool {
	tag := strings.TrimSpace(meta[types.MetaAgentID])
	if tag == "" {
		return f.mode == ModePermissive
	}
	if strings.EqualFold(tag, strings.TrimSpace(agentID)) {
		return true
	}
	if f.mode == ModeStrict {
		f.logger.Warn("memory_isolation_violation", map[string]interface{}{
			"requesting_agent": agentID,
			"item_agent":       tag,
			"item_id":          meta[types.MetaID],
		})
		f.metrics.Counter("memory_isolation_violation", 1, map[string]string{"agent": strings.ToLower(agentID)})
	}
	return false
}

// FilterHits keeps the hits visible to agentID, preserving order
func (f *Filter) FilterHits(hits []types.SearchHit, agentID string) []types.SearchHit {
	out := make([]types.SearchHit, 0, len(hits))
	for _, h := range hits {
		if f.Visible(h.Metadata, agentID) {
			out = append(out, h)
		}
	}
	return out
}

// FilterResult keeps the documents visible to agentID, preserving order
func (f *Filter) FilterResult(res *types.GetResult, agentID string) *types.GetResult {
	out := &types.GetResult{IDs: []string{}, Documents: []string{}, Metadatas: []map[string]string{}}
	for i := 0; i < res.Len(); i++ {
		if f.Visible(res.Metadatas[i], agentID) {
			out.Append(res.IDs[i], res.Documents[i], res.Metadatas[i])
		}
	}
	return out
}

// FilterPassages keeps the retrieval passages visible to agentID
func (f *Filter) FilterPassages(passages []types.Passage, agentID string) []types.Passage {
	out := make([]types.Passage, 0, len(passages))
	for _, p := range passages {
		if f.Visible(p.Metadata, agentID) {
			out = append(out, p)
		}
	}
	return out
}
