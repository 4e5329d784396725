package lokistore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/oicur0t/devlogs/pkg/models"
)

// pushRequest is the body of POST /loki/api/v1/push.
type pushRequest struct {
	Streams []wireStream `json:"streams"`
}

// wireStream is one stream in Loki's JSON push, query and tail formats.
type wireStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"` // [unix ns as string, line]
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []wireStream `json:"result"`
	} `json:"data"`
}

type tailResponse struct {
	Streams        []wireStream `json:"streams"`
	DroppedEntries []struct {
		Labels    map[string]string `json:"labels"`
		Timestamp string            `json:"timestamp"`
	} `json:"dropped_entries"`
}

var knownLabels = []string{
	models.LabelFleetID,
	models.LabelDeviceID,
	models.LabelStdErr,
	models.LabelSystem,
	models.LabelServiceID,
}

// ownLabels drops labels Loki or its pipeline added, so stream keys match
// the ones computed at publish time.
func ownLabels(in map[string]string) models.Labels {
	out := make(models.Labels, len(knownLabels))
	for _, k := range knownLabels {
		if v, ok := in[k]; ok && v != "" {
			out[k] = v
		}
	}
	return out
}

func encodeStreams(streams []models.LogStream) (pushRequest, error) {
	req := pushRequest{Streams: make([]wireStream, 0, len(streams))}
	for _, s := range streams {
		if len(s.Entries) == 0 {
			continue
		}
		ws := wireStream{Stream: s.Labels, Values: make([][2]string, 0, len(s.Entries))}
		for _, e := range s.Entries {
			line, err := models.EncodeLine(e)
			if err != nil {
				return pushRequest{}, fmt.Errorf("encode entry: %w", err)
			}
			ws.Values = append(ws.Values, [2]string{strconv.FormatInt(e.NanoTimestamp, 10), string(line)})
		}
		req.Streams = append(req.Streams, ws)
	}
	return req, nil
}

// decodeStream converts a wire stream, sorting its values ascending. Loki
// returns backward queries newest first.
func decodeStream(ws wireStream) (models.LogStream, error) {
	labels := ownLabels(ws.Stream)
	out := models.LogStream{Labels: labels, Entries: make([]models.LogEntry, 0, len(ws.Values))}
	for _, v := range ws.Values {
		nano, err := strconv.ParseInt(v[0], 10, 64)
		if err != nil {
			return models.LogStream{}, fmt.Errorf("timestamp %q: %w", v[0], err)
		}
		e, err := models.DecodeLine(labels, nano, []byte(v[1]))
		if err != nil {
			return models.LogStream{}, err
		}
		out.Entries = append(out.Entries, e)
	}
	if n := len(out.Entries); n > 1 && out.Entries[0].NanoTimestamp > out.Entries[n-1].NanoTimestamp {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			out.Entries[i], out.Entries[j] = out.Entries[j], out.Entries[i]
		}
	}
	return out, nil
}

// mergeStreams joins wire streams that share a label set after projection.
func mergeStreams(in []wireStream) ([]models.LogStream, error) {
	index := make(map[string]int)
	var out []models.LogStream
	for _, ws := range in {
		s, err := decodeStream(ws)
		if err != nil {
			return nil, err
		}
		key := s.Key()
		if i, ok := index[key]; ok {
			out[i].Entries = append(out[i].Entries, s.Entries...)
			sortEntries(out[i].Entries)
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	return out, nil
}

func sortEntries(entries []models.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].NanoTimestamp < entries[j].NanoTimestamp
	})
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode loki response: %w", err)
	}
	return nil
}
