package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/remold/remold/internal/store"
)

// ClickHouseSink writes events through ClickHouse's HTTP interface with
// INSERT ... FORMAT JSONEachRow, one row per event. It needs no driver,
// which makes it the low-friction counterpart to the native-protocol sink
// in history/clickhouse.
type ClickHouseSink struct {
	client   *http.Client
	insertTo string
}

func NewClickHouseSink(baseURL, table string) *ClickHouseSink {
	q := url.Values{}
	q.Set("query", "INSERT INTO "+table+" FORMAT JSONEachRow")
	return &ClickHouseSink{
		client:   &http.Client{Timeout: 5 * time.Second},
		insertTo: strings.TrimRight(baseURL, "/") + "/?" + q.Encode(),
	}
}

func (s *ClickHouseSink) Send(ctx context.Context, e store.Event) error {
	row, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("clickhouse sink: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.insertTo, bytes.NewReader(append(row, '\n')))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse sink: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("clickhouse sink: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
