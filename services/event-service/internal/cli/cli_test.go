package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventledger/libs/auth"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/publisher"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search/searchtest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/sqlite"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/storagetest"
)

// seed writes e1 and e2, then runs one publish cycle in which e1 is rejected
// by the index. With a ceiling of 1 that leaves e1 exhausted.
func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"e1", "e2"} {
		_, _, err := s.CommitEvent(ctx, storagetest.Record(id, "order.created", "web", `{"amount":10}`, 0))
		require.NoError(t, err)
	}

	index := searchtest.NewMemory()
	index.Reject("e1", errors.New("mapper_parsing_exception"))
	_, err = publisher.NewPublisher(s, index, nil, nil, publisher.Config{Ceiling: 1}).RunOnce(ctx, "seed")
	require.NoError(t, err)
	return path
}

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRejectsBadFlags(t *testing.T) {
	_, err := execute("stats", "--format", "yaml", "--database-url", "x.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")

	_, err = execute("stats", "--db-driver", "mysql", "--database-url", "x.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid driver")

	_, err = execute("stats", "--database-url", "x.db", "--ceiling", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFailedText(t *testing.T) {
	path := seed(t)

	out, err := execute("failed", "--db-driver", "sqlite", "--database-url", path, "--ceiling", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "EVENT ID")
	assert.True(t, strings.HasPrefix(lines[1], "e1 "))
	assert.Contains(t, lines[1], "mapper_parsing_exception")

	out, err = execute("failed", "--db-driver", "sqlite", "--database-url", path, "--ceiling", "2")
	require.NoError(t, err)
	assert.Equal(t, "No exhausted entries.\n", out)
}

func TestFailedJSON(t *testing.T) {
	path := seed(t)

	out, err := execute("failed", "--db-driver", "sqlite", "--database-url", path, "--ceiling", "1", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   []outbox.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "e1", resp.Data[0].EventID)
	assert.Equal(t, 1, resp.Data[0].Attempts)
}

func TestShow(t *testing.T) {
	path := seed(t)

	out, err := execute("show", "e2", "--db-driver", "sqlite", "--database-url", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Event e2")
	assert.Contains(t, out, "Type:        order.created")
	assert.Contains(t, out, `Payload:     {"amount":10}`)
	assert.Contains(t, out, "Outbox: PUBLISHED")

	out, err = execute("show", "e1", "--db-driver", "sqlite", "--database-url", path, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data showResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "web", resp.Data.Event.Source)
	require.NotNil(t, resp.Data.Entry)
	assert.Equal(t, outbox.StatusFailed, resp.Data.Entry.Status)

	_, err = execute("show", "nope", "--db-driver", "sqlite", "--database-url", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "event nope not found")

	_, err = execute("show", "--db-driver", "sqlite", "--database-url", path)
	require.Error(t, err)
}

func TestReplay(t *testing.T) {
	path := seed(t)

	_, err := execute("replay", "e2", "--db-driver", "sqlite", "--database-url", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox entry e2 is not failed")

	out, err := execute("replay", "e1", "--db-driver", "sqlite", "--database-url", path)
	require.NoError(t, err)
	assert.Equal(t, "Replayed e1 (attempts so far: 1)\n", out)

	out, err = execute("stats", "--db-driver", "sqlite", "--database-url", path, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"PENDING":1,"PUBLISHED":1,"FAILED":0}}`, out)
}

func TestStatsText(t *testing.T) {
	path := seed(t)

	out, err := execute("stats", "--db-driver", "sqlite", "--database-url", path)
	require.NoError(t, err)
	assert.Equal(t, "PENDING    0\nPUBLISHED  1\nFAILED     1\n", out)
}

// bulkServer acknowledges every document in a bulk request.
type bulkServer struct {
	mu      sync.Mutex
	ids     []string
	refresh []string
}

func (b *bulkServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/_bulk") {
		b.mu.Lock()
		b.refresh = append(b.refresh, r.URL.Query().Get("refresh"))
		b.mu.Unlock()
	}

	var items []string
	sc := bufio.NewScanner(r.Body)
	for sc.Scan() {
		var action struct {
			Index struct {
				ID string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil || action.Index.ID == "" {
			continue
		}
		b.mu.Lock()
		b.ids = append(b.ids, action.Index.ID)
		b.mu.Unlock()
		items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":201}}`, action.Index.ID))
	}
	fmt.Fprintf(w, `{"took":1,"errors":false,"items":[%s]}`, strings.Join(items, ","))
}

func TestReindex(t *testing.T) {
	path := seed(t)
	es := &bulkServer{}
	srv := httptest.NewServer(es)
	t.Cleanup(srv.Close)

	out, err := execute("reindex", "--db-driver", "sqlite", "--database-url", path,
		"--elastic-url", srv.URL, "--index", "events-test", "--batch-size", "1")
	require.NoError(t, err)
	assert.Equal(t, "Scanned 2, indexed 2, failed 0\n", out)
	assert.ElementsMatch(t, []string{"e1", "e2"}, es.ids)
	assert.Equal(t, []string{"", ""}, es.refresh)

	es.refresh = nil
	_, err = execute("reindex", "--db-driver", "sqlite", "--database-url", path,
		"--elastic-url", srv.URL, "--refresh", "wait_for")
	require.NoError(t, err)
	assert.Equal(t, []string{"wait_for"}, es.refresh)

	_, err = execute("reindex", "--db-driver", "sqlite", "--database-url", path, "--elastic-url", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute("reindex", "--db-driver", "sqlite", "--database-url", path, "--elastic-url", srv.URL, "--since", "today")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --since")
}

func TestMigrateSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	out, err := execute("migrate", "--db-driver", "sqlite", "--database-url", path)
	require.NoError(t, err)
	assert.Equal(t, "Schema up to date (sqlite)\n", out)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = execute("stats", "--db-driver", "sqlite", "--database-url", path)
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING    0")
}

func TestRenderError(t *testing.T) {
	buf := &bytes.Buffer{}
	RenderError(buf, "json", NewExitError(ExitFailure, "event e9 not found"))
	assert.JSONEq(t, `{"status":"error","error":"event e9 not found"}`, buf.String())

	buf.Reset()
	RenderError(buf, "text", WrapExitError(ExitFailure, "failed to load", errors.New("boom")))
	assert.Equal(t, "Error: failed to load: boom\n", buf.String())
}

func TestToken(t *testing.T) {
	out, err := execute("token", "--secret", "s3cret", "--sub", "oncall", "--ttl", "10m")
	require.NoError(t, err)

	claims, err := auth.VerifyHS256(strings.TrimSpace(out), "s3cret", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "oncall", claims.Subject)
	assert.Equal(t, "operator", claims.Role)

	_, err = execute("token", "--secret", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDriverFollowsServiceDefault(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	assert.Equal(t, "postgres", NewRootCommand().PersistentFlags().Lookup("db-driver").DefValue)

	t.Setenv("STORE_DRIVER", "sqlite")
	assert.Equal(t, "sqlite", NewRootCommand().PersistentFlags().Lookup("db-driver").DefValue)

	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	_, err := execute("stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--database-url is required")
}

func TestMissingDatabaseURL(t *testing.T) {
	t.Setenv("SQLITE_PATH", "")
	_, err := execute("stats", "--db-driver", "sqlite")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--database-url is required")
}
