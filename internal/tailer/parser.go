package tailer

import (
	"encoding/json"
	"strings"

	"github.com/oicur0t/devlogs/pkg/models"
)

// LineParser turns raw file lines into log entries.
type LineParser struct {
	jsonFields bool
}

// NewLineParser creates a parser. With jsonFields set, lines holding a JSON
// object contribute their fields to the entry's payload.
func NewLineParser(jsonFields bool) *LineParser {
	return &LineParser{jsonFields: jsonFields}
}

// Parse fills the message and, when enabled, the payload of entry.
func (p *LineParser) Parse(line string, entry *models.LogEntry) {
	entry.Message = line
	if !p.jsonFields || !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		// Not JSON; many logs never are.
		return
	}
	for k, v := range fields {
		switch k {
		case models.FieldMessage, models.FieldTimestamp, models.FieldNanoTimestamp, models.FieldCreatedAt,
			models.FieldIsStdErr, models.FieldIsSystem, models.FieldServiceID, models.FieldUUID:
			continue
		}
		if entry.Extra == nil {
			entry.Extra = make(map[string]json.RawMessage)
		}
		entry.Extra[k] = v
	}
}
