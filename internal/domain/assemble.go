package domain

// PartsBuilder folds a chunk sequence into message parts.
//
// Text and reasoning deltas sharing an id merge into one part. A repeated
// start-step chunk for a step discards whatever the earlier attempt of that
// step produced, whatever its attempt number, so a replay of a retried step
// yields the same parts as the live run.
type PartsBuilder struct {
	parts     []Part
	deltas    map[string]int
	tools     map[string]int
	stepMarks map[int]int
}

// NewPartsBuilder returns an empty builder.
func NewPartsBuilder() *PartsBuilder {
	return &PartsBuilder{
		deltas:    make(map[string]int),
		tools:     make(map[string]int),
		stepMarks: make(map[int]int),
	}
}

// Apply folds one payload into the builder.
func (b *PartsBuilder) Apply(p ChunkPayload) {
	switch p.Type {
	case ChunkTypeStartStep:
		if mark, ok := b.stepMarks[p.Step]; ok {
			b.truncate(mark)
			return
		}
		b.stepMarks[p.Step] = len(b.parts)
	case ChunkTypeTextDelta:
		b.delta(PartTypeText, p.ID, p.Delta)
	case ChunkTypeReasoningDelta:
		b.delta(PartTypeReasoning, p.ID, p.Delta)
	case ChunkTypeToolCallStart:
		b.tools[p.ToolCallID] = len(b.parts)
		b.parts = append(b.parts, Part{
			Type:       PartTypeToolInvocation,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			State:      ToolStateInputAvailable,
			Input:      p.Input,
		})
	case ChunkTypeToolCallResult:
		i, ok := b.tools[p.ToolCallID]
		if !ok {
			i = len(b.parts)
			b.tools[p.ToolCallID] = i
			b.parts = append(b.parts, Part{
				Type:       PartTypeToolInvocation,
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
			})
		}
		b.parts[i].State = p.State
		b.parts[i].Output = p.Output
		b.parts[i].ErrorText = p.ErrorText
	case ChunkTypeSourceURL:
		b.parts = append(b.parts, Part{Type: PartTypeSourceURL, SourceID: p.SourceID, URL: p.URL, Title: p.Title})
	case ChunkTypeSourceDocument:
		b.parts = append(b.parts, Part{
			Type:      PartTypeSourceDocument,
			SourceID:  p.SourceID,
			MediaType: p.MediaType,
			Title:     p.Title,
			Filename:  p.Filename,
		})
	case ChunkTypeFile:
		b.parts = append(b.parts, Part{Type: PartTypeFile, MediaType: p.MediaType, URL: p.URL, Filename: p.Filename})
	case ChunkTypeData:
		b.parts = append(b.parts, Part{Type: PartTypeData, DataType: p.DataType, Data: p.Data})
	}
}

func (b *PartsBuilder) delta(kind PartType, id, delta string) {
	key := string(kind) + "/" + id
	if i, ok := b.deltas[key]; ok && id != "" {
		b.parts[i].Text += delta
		return
	}
	b.deltas[key] = len(b.parts)
	b.parts = append(b.parts, Part{Type: kind, Text: delta})
}

func (b *PartsBuilder) truncate(n int) {
	b.parts = b.parts[:n]
	for k, i := range b.deltas {
		if i >= n {
			delete(b.deltas, k)
		}
	}
	for k, i := range b.tools {
		if i >= n {
			delete(b.tools, k)
		}
	}
	for step, i := range b.stepMarks {
		if i > n {
			delete(b.stepMarks, step)
		}
	}
}

// Parts returns a copy of the parts assembled so far.
func (b *PartsBuilder) Parts() []Part {
	out := make([]Part, len(b.parts))
	copy(out, b.parts)
	return out
}

// AssembleParts folds a whole chunk log into parts. Chunks that fail to
// decode are skipped.
func AssembleParts(chunks []Chunk) []Part {
	b := NewPartsBuilder()
	for _, c := range chunks {
		p, err := c.Payload()
		if err != nil {
			continue
		}
		b.Apply(p)
	}
	return b.Parts()
}
