package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/agentplane/agentplane/errors"
)

var _ Store = (*BleveStore)(nil)

// BleveStore implements Store on a Bleve full-text index, so the audit
// trail survives restarts and dead-letter reasons are searchable.
type BleveStore struct {
	mu    sync.RWMutex
	index bleve.Index
}

// entryDocument is the indexed shape of an Entry. The raw field holds
// the full entry JSON so Get can return it losslessly.
type entryDocument struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
	Raw        string    `json:"raw"`
}

// NewBleveStore opens (or creates) an audit index at path.
func NewBleveStore(path string) (*BleveStore, error) {
	var index bleve.Index
	var err error

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		index, err = bleve.New(path, buildIndexMapping())
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open audit index")
	}
	return &BleveStore{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	keyword := bleve.NewKeywordFieldMapping()
	date := bleve.NewDateTimeFieldMapping()

	stored := bleve.NewKeywordFieldMapping()
	stored.Index = false

	doc.AddFieldMappingsAt("message_id", keyword)
	doc.AddFieldMappingsAt("sender_id", keyword)
	doc.AddFieldMappingsAt("status", keyword)
	doc.AddFieldMappingsAt("reason", text)
	doc.AddFieldMappingsAt("recorded_at", date)
	doc.AddFieldMappingsAt("raw", stored)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Record indexes one entry, overwriting any prior record of the id.
func (s *BleveStore) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "record audit entry")
	}
	if e.MessageID == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "audit entry requires a message id")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal audit entry")
	}
	doc := entryDocument{
		MessageID:  e.MessageID,
		SenderID:   e.SenderID,
		Status:     string(e.Status),
		Reason:     e.Reason,
		RecordedAt: e.RecordedAt,
		Raw:        string(raw),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.Index(e.MessageID, doc); err != nil {
		return errors.Wrap(err, "index audit entry")
	}
	return nil
}

// Get returns the entry for a message id.
func (s *BleveStore) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, errors.Wrap(err, "get audit entry")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{messageID}))
	req.Fields = []string{"raw"}
	req.Size = 1

	res, err := s.index.Search(req)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "search audit index")
	}
	if res.Total == 0 {
		return Entry{}, false, nil
	}
	return entryFromHit(res.Hits[0].Fields)
}

// Search runs a full-text match over reasons and sender ids, newest
// first. An empty query returns the most recent entries.
func (s *BleveStore) Search(ctx context.Context, queryText string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "search audit entries")
	}
	if limit <= 0 {
		limit = 50
	}

	var req *bleve.SearchRequest
	if queryText == "" {
		req = bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	} else {
		match := bleve.NewMatchQuery(queryText)
		term := bleve.NewTermQuery(queryText)
		term.SetField("sender_id")
		req = bleve.NewSearchRequest(bleve.NewDisjunctionQuery(match, term))
	}
	req.Fields = []string{"raw"}
	req.Size = limit
	req.SortBy([]string{"-recorded_at"})

	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.index.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "search audit index")
	}

	out := make([]Entry, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e, ok, err := entryFromHit(hit.Fields)
		if err != nil || !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PurgeBefore deletes entries recorded before the cutoff.
func (s *BleveStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, "purge audit entries")
	}

	start := time.Time{}
	rangeQuery := bleve.NewDateRangeQuery(start, cutoff)
	rangeQuery.SetField("recorded_at")

	req := bleve.NewSearchRequest(rangeQuery)
	req.Size = 10000

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.index.Search(req)
	if err != nil {
		return 0, errors.Wrap(err, "search audit index")
	}

	batch := s.index.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if err := s.index.Batch(batch); err != nil {
		return 0, errors.Wrap(err, "delete audit entries")
	}
	return len(res.Hits), nil
}

// Close closes the underlying index.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}

func entryFromHit(fields map[string]interface{}) (Entry, bool, error) {
	raw, ok := fields["raw"].(string)
	if !ok || raw == "" {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, errors.Wrap(err, "decode audit entry")
	}
	return e, true, nil
}
