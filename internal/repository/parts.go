package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// partTable maps one part kind to its own table. Every table shares the
// (message_id, chat_id, ordinal) prefix; ordinal is the position of the part
// within its message across all tables.
type partTable struct {
	name    string
	kind    domain.PartType
	columns []string
	values  func(p domain.Part) []any
	scan    func(scan func(dest ...any) error) (messageID string, ordinal int, p domain.Part, err error)
}

func (t partTable) ddl() string {
	cols := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		cols = append(cols, c+" TEXT")
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			%s,
			PRIMARY KEY (message_id, ordinal),
			FOREIGN KEY (message_id) REFERENCES messages(message_id) ON DELETE CASCADE,
			FOREIGN KEY (chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
		)`, t.name, strings.Join(cols, ",\n\t\t\t"))
}

func (t partTable) selectColumns() string {
	return "message_id, ordinal, " + strings.Join(t.columns, ", ")
}

var partTables = []partTable{
	textTable("message_text_parts", domain.PartTypeText),
	textTable("message_reasoning_parts", domain.PartTypeReasoning),
	{
		name:    "message_tool_parts",
		kind:    domain.PartTypeToolInvocation,
		columns: []string{"tool_call_id", "tool_name", "state", "input", "output", "error_text"},
		values: func(p domain.Part) []any {
			return []any{p.ToolCallID, p.ToolName, string(p.State), nullStringBytes(p.Input), nullStringBytes(p.Output), nullString(p.ErrorText)}
		},
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var state string
			var callID, name, input, output, errText sql.NullString
			err := scan(&id, &ordinal, &callID, &name, &state, &input, &output, &errText)
			return id, ordinal, domain.Part{
				Type:       domain.PartTypeToolInvocation,
				ToolCallID: callID.String,
				ToolName:   name.String,
				State:      domain.ToolState(state),
				Input:      rawOrNil(input),
				Output:     rawOrNil(output),
				ErrorText:  errText.String,
			}, err
		},
	},
	{
		name:    "message_source_url_parts",
		kind:    domain.PartTypeSourceURL,
		columns: []string{"source_id", "url", "title"},
		values: func(p domain.Part) []any {
			return []any{p.SourceID, p.URL, nullString(p.Title)}
		},
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var sourceID, url, title sql.NullString
			err := scan(&id, &ordinal, &sourceID, &url, &title)
			return id, ordinal, domain.Part{
				Type:     domain.PartTypeSourceURL,
				SourceID: sourceID.String,
				URL:      url.String,
				Title:    title.String,
			}, err
		},
	},
	{
		name:    "message_source_document_parts",
		kind:    domain.PartTypeSourceDocument,
		columns: []string{"source_id", "media_type", "title", "filename"},
		values: func(p domain.Part) []any {
			return []any{p.SourceID, p.MediaType, p.Title, nullString(p.Filename)}
		},
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var sourceID, mediaType, title, filename sql.NullString
			err := scan(&id, &ordinal, &sourceID, &mediaType, &title, &filename)
			return id, ordinal, domain.Part{
				Type:      domain.PartTypeSourceDocument,
				SourceID:  sourceID.String,
				MediaType: mediaType.String,
				Title:     title.String,
				Filename:  filename.String,
			}, err
		},
	},
	{
		name:    "message_file_parts",
		kind:    domain.PartTypeFile,
		columns: []string{"media_type", "url", "filename"},
		values: func(p domain.Part) []any {
			return []any{p.MediaType, p.URL, nullString(p.Filename)}
		},
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var mediaType, url, filename sql.NullString
			err := scan(&id, &ordinal, &mediaType, &url, &filename)
			return id, ordinal, domain.Part{
				Type:      domain.PartTypeFile,
				MediaType: mediaType.String,
				URL:       url.String,
				Filename:  filename.String,
			}, err
		},
	},
	{
		name:    "message_data_parts",
		kind:    domain.PartTypeData,
		columns: []string{"data_type", "data"},
		values: func(p domain.Part) []any {
			return []any{p.DataType, string(p.Data)}
		},
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var dataType, data sql.NullString
			err := scan(&id, &ordinal, &dataType, &data)
			return id, ordinal, domain.Part{
				Type:     domain.PartTypeData,
				DataType: dataType.String,
				Data:     rawOrNil(data),
			}, err
		},
	},
}

func textTable(name string, kind domain.PartType) partTable {
	return partTable{
		name:    name,
		kind:    kind,
		columns: []string{"text"},
		values:  func(p domain.Part) []any { return []any{p.Text} },
		scan: func(scan func(dest ...any) error) (string, int, domain.Part, error) {
			var id string
			var ordinal int
			var text sql.NullString
			err := scan(&id, &ordinal, &text)
			return id, ordinal, domain.Part{Type: kind, Text: text.String}, err
		},
	}
}

func tableFor(kind domain.PartType) (partTable, bool) {
	for _, t := range partTables {
		if t.kind == kind {
			return t, true
		}
	}
	return partTable{}, false
}

// insertParts writes parts for one message, one batched INSERT per kind.
func insertParts(ctx context.Context, q querier, chatID, messageID string, parts []domain.Part) error {
	rows := make(map[domain.PartType][][]any)
	for ordinal, p := range parts {
		t, ok := tableFor(p.Type)
		if !ok {
			return fmt.Errorf("%w: unknown part type %q", domain.ErrInvalidInput, p.Type)
		}
		row := append([]any{messageID, chatID, ordinal}, t.values(p)...)
		rows[p.Type] = append(rows[p.Type], row)
	}

	for _, t := range partTables {
		batch := rows[t.kind]
		if len(batch) == 0 {
			continue
		}
		placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)+3), ", ") + ")"
		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*(len(t.columns)+3))
		for _, row := range batch {
			values = append(values, placeholder)
			args = append(args, row...)
		}
		query := fmt.Sprintf("INSERT INTO %s (message_id, chat_id, ordinal, %s) VALUES %s",
			t.name, strings.Join(t.columns, ", "), strings.Join(values, ", "))
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert %s parts: %w", t.kind, err)
		}
	}
	return nil
}

type orderedPart struct {
	ordinal int
	part    domain.Part
}

// loadParts reads every part matching the filter column and groups them by
// message, ordered by ordinal.
func loadParts(ctx context.Context, q querier, column, value string) (map[string][]domain.Part, error) {
	grouped := make(map[string][]orderedPart)
	for _, t := range partTables {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.selectColumns(), t.name, column)
		rows, err := q.QueryContext(ctx, query, value)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s parts: %w", t.kind, err)
		}
		for rows.Next() {
			messageID, ordinal, part, err := t.scan(rows.Scan)
			if err != nil {
				rows.Close()
				return nil, err
			}
			grouped[messageID] = append(grouped[messageID], orderedPart{ordinal: ordinal, part: part})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string][]domain.Part, len(grouped))
	for id, list := range grouped {
		sort.Slice(list, func(i, j int) bool { return list[i].ordinal < list[j].ordinal })
		parts := make([]domain.Part, len(list))
		for i, op := range list {
			parts[i] = op.part
		}
		out[id] = parts
	}
	return out, nil
}
