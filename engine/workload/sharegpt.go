package workload

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine"
)

// Conversation represents a single chat turn in a pre-tokenized ShareGPT entry.
type Conversation struct {
	From  string `json:"from"`
	Value []int  `json:"value"`
}

// ShareGPTEntry is a single top-level object of a pre-tokenized ShareGPT file.
type ShareGPTEntry struct {
	ID            string         `json:"id"`
	Conversations []Conversation `json:"conversations"`
	ArrivalDelta  int64          `json:"arrivalDelta"` // microseconds after the previous entry
}

// LoadShareGPT replays a pre-tokenized ShareGPT file: the first human turn of each
// entry followed by a gpt turn becomes the prompt, and the gpt turn's length the
// token limit. Entries without such a pair are skipped.
func LoadShareGPT(path string, sampling engine.SamplingConfig) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading requests file %s", path)
	}
	var entries []ShareGPTEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing requests file %s", path)
	}

	var items []Item
	var clock int64
	for _, entry := range entries {
		clock += entry.ArrivalDelta
		prompt, output, ok := firstExchange(entry.Conversations)
		if !ok {
			logrus.Debugf("skipping %s: no human/gpt exchange", entry.ID)
			continue
		}
		s := sampling
		s.MaxTokens = len(output)
		items = append(items, Item{
			Offset:  time.Duration(clock) * time.Microsecond,
			Request: engine.Request{ID: entry.ID, Prompt: prompt, Sampling: s},
		})
	}
	logrus.Infof("parsed requests file %s: %d requests", path, len(items))
	return items, nil
}

func firstExchange(turns []Conversation) (prompt, output []int, ok bool) {
	for i := 0; i+1 < len(turns); i++ {
		if turns[i].From == "human" && turns[i+1].From == "gpt" && len(turns[i].Value) > 0 && len(turns[i+1].Value) > 0 {
			return turns[i].Value, turns[i+1].Value, true
		}
	}
	return nil, nil, false
}
