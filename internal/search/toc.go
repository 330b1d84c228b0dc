package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/llm"
)

// TOCEntry is one table-of-contents item handed to the chat model.
type TOCEntry struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
}

const tocSystemPrompt = `You select table-of-contents entries relevant to a question.
Given a JSON table of contents and a question, reply with ONLY a JSON array of
objects {"chunk_id": "<id>", "similarity": <0..1>} for the relevant entries,
most relevant first. Reply with [] if nothing is relevant.`

// tocSelection is the shape the chat model must reply with.
type tocSelection struct {
	ChunkID    string  `json:"chunk_id"`
	Similarity float64 `json:"similarity"`
}

// RetrievalByTOC asks a chat model to pick relevant table-of-contents
// entries for the question, then backfills the selected chunks' full
// records from the store. An unparsable model reply degrades to an empty
// selection rather than an error.
func (d *Dealer) RetrievalByTOC(
	ctx context.Context,
	question string,
	toc []TOCEntry,
	chatModel llm.ChatModel,
	indexes, kbIDs []string,
	topN int,
) ([]chunk.Record, error) {
	if len(toc) == 0 || strings.TrimSpace(question) == "" {
		return nil, nil
	}

	tocJSON, err := json.Marshal(toc)
	if err != nil {
		return nil, fmt.Errorf("encode toc: %w", err)
	}

	reply, tokens, err := chatModel.Chat(ctx, tocSystemPrompt, []llm.Message{{
		Role:    "user",
		Content: fmt.Sprintf("Table of contents:\n%s\n\nQuestion: %s", tocJSON, question),
	}})
	if err != nil {
		return nil, err
	}
	domain.UsageFromContext(ctx).AddChatTokens(tokens)

	selected := d.parseTOCSelection(reply, toc)
	if topN > 0 && len(selected) > topN {
		selected = selected[:topN]
	}
	if len(selected) == 0 {
		return nil, nil
	}

	ids := make([]string, len(selected))
	for i, s := range selected {
		ids[i] = s.ChunkID
	}
	res, err := d.store.Search(ctx, &docstore.Request{IDs: ids}, indexes, kbIDs)
	if err != nil {
		return nil, err
	}

	records := make([]chunk.Record, 0, len(selected))
	for _, s := range selected {
		fields, ok := res.Fields[s.ChunkID]
		if !ok {
			continue
		}
		rec := chunk.FromFields(s.ChunkID, fields)
		rec.Similarity = s.Similarity
		if _, name, ok := findVectorField(fields); ok {
			rec.Vector = decodeVector(fields[name], 0)
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseTOCSelection decodes the model reply, dropping ids that are not in
// the offered table of contents. Malformed replies yield nothing.
func (d *Dealer) parseTOCSelection(reply string, toc []TOCEntry) []tocSelection {
	raw := strings.TrimSpace(reply)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []tocSelection
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		d.logger.Warn("toc selection unparsable", zap.Error(err))
		return nil
	}

	known := make(map[string]struct{}, len(toc))
	for _, e := range toc {
		known[e.ChunkID] = struct{}{}
	}
	out := parsed[:0]
	for _, s := range parsed {
		if _, ok := known[s.ChunkID]; ok {
			out = append(out, s)
		}
	}
	return out
}
