package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

type ElasticConfig struct {
	URL      string
	Index    string
	Username string
	Password string
	// Refresh is passed to bulk requests ("", "true", "wait_for").
	Refresh   string
	Transport http.RoundTripper
}

type Elastic struct {
	client  *elasticsearch.Client
	index   string
	refresh string
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":          {"type": "keyword"},
      "type":        {"type": "keyword"},
      "source":      {"type": "keyword"},
      "instance":    {"type": "keyword"},
      "occurred_at": {"type": "date"},
      "received_at": {"type": "date"},
      "payload":     {"type": "object", "dynamic": true}
    }
  }
}`

func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	if cfg.Index == "" {
		cfg.Index = "events"
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Elastic{client: client, index: cfg.Index, refresh: cfg.Refresh}, nil
}

type bulkMeta struct {
	Index struct {
		ID string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (e *Elastic) Upsert(ctx context.Context, docs []Document) (map[string]error, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		var meta bulkMeta
		meta.Index.ID = doc.ID
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", doc.ID, err)
		}
	}

	opts := []func(*esapi.BulkRequest){
		e.client.Bulk.WithContext(ctx),
		e.client.Bulk.WithIndex(e.index),
	}
	if e.refresh != "" {
		opts = append(opts, e.client.Bulk.WithRefresh(e.refresh))
	}
	res, err := e.client.Bulk(&buf, opts...)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("bulk request", res)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	failed := map[string]error{}
	for i, doc := range docs {
		if i >= len(parsed.Items) {
			failed[doc.ID] = errors.New("missing from bulk response")
			continue
		}
		for _, item := range parsed.Items[i] {
			// Re-indexing an existing id answers 200, a new one 201.
			if item.Status == http.StatusOK || item.Status == http.StatusCreated {
				continue
			}
			ierr := &ItemError{Status: item.Status}
			if item.Error != nil {
				ierr.Type = item.Error.Type
				ierr.Reason = item.Error.Reason
			}
			failed[doc.ID] = ierr
		}
	}
	return failed, nil
}

func (e *Elastic) EnsureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index: %s", res.Status())
	}

	res, err = e.client.Indices.Create(e.index,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		// Another instance may have created it first.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index: %s: %s", res.Status(), body)
	}
	return nil
}

func (e *Elastic) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping: %s", res.Status())
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s: %s: %s", op, res.Status(), bytes.TrimSpace(body))
}
