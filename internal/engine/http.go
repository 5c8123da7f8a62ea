package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tablerelay/internal/model"
	"github.com/agentworkforce/tablerelay/internal/syncx"
)

const (
	mgmtPath  = "/v1/rest/mgmt"
	queryPath = "/v1/rest/query"
)

type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
)

type HTTPOptions struct {
	Auth  AuthMode
	Token string
	// MaxInFlight bounds concurrent requests from this client.
	MaxInFlight int
	HTTPClient  *http.Client
}

// HTTPClient talks to one cluster over its REST endpoints. It makes a
// single attempt per call; retries belong to the caller.
type HTTPClient struct {
	baseURL    string
	auth       AuthMode
	token      string
	httpClient *http.Client
	inflight   *syncx.ExecQueue
}

func NewHTTPClient(clusterURI string, opts HTTPOptions) (*HTTPClient, error) {
	if err := model.ValidateClusterURI(clusterURI); err != nil {
		return nil, err
	}
	if opts.Auth == "" {
		opts.Auth = AuthNone
	}
	if opts.Auth == AuthToken && strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("auth mode token requires a token")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(clusterURI), "/"),
		auth:       opts.Auth,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		inflight:   syncx.NewExecQueue(opts.MaxInFlight),
	}, nil
}

type requestBody struct {
	DB  string `json:"db"`
	CSL string `json:"csl"`
}

func (c *HTTPClient) mgmt(ctx context.Context, op, database, csl string) (resultTable, error) {
	return c.do(ctx, op, mgmtPath, database, csl)
}

func (c *HTTPClient) query(ctx context.Context, op, database, csl string) (resultTable, error) {
	return c.do(ctx, op, queryPath, database, csl)
}

func (c *HTTPClient) do(ctx context.Context, op, path, database, csl string) (resultTable, error) {
	var table resultTable
	err := c.inflight.Run(ctx, func(ctx context.Context) error {
		var resp v1Response
		if err := c.doJSON(ctx, op, path, requestBody{DB: database, CSL: csl}, &resp); err != nil {
			return err
		}
		t, err := firstTable(resp)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		table = t
		return nil
	})
	return table, err
}

func (c *HTTPClient) doJSON(ctx context.Context, op, requestPath string, body, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ms-client-request-id", "tablerelay;"+uuid.NewString())
	if c.auth == AuthToken {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Op: op, Transient: true, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &Error{Op: op, Transient: true, Err: readErr}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrBadResponse, err)}
		}
		return nil
	}

	var errPayload struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Permanent *bool  `json:"@permanent"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	if errPayload.Error.Permanent != nil {
		transient = !*errPayload.Error.Permanent
	}
	message := errPayload.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(payload))
	}
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Error.Code,
		Message:    message,
		Transient:  transient,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func (c *HTTPClient) CurrentCursor(ctx context.Context, database string) (string, error) {
	t, err := c.query(ctx, "current-cursor", database, "print Cursor=current_cursor()")
	if err != nil {
		return "", err
	}
	if t.Len() == 0 {
		return "", &Error{Op: "current-cursor", Err: fmt.Errorf("%w: empty result", ErrBadResponse)}
	}
	return t.String(0, "Cursor")
}

func (c *HTTPClient) RecordDistribution(ctx context.Context, req DistributionRequest) ([]Sample, error) {
	var b strings.Builder
	b.WriteString(quoteName(req.Table.Table))
	b.WriteString("\n" + cursorClause(cursorBounds{req.Cursor.Start, req.Cursor.End}))
	b.WriteString("\n" + filterClause(req.Filter))
	if req.After != nil {
		b.WriteString("\n| where ingestion_time() > " + datetime(*req.After))
	}
	b.WriteString("\n| summarize RowCount=count() by IngestionTime=ingestion_time(), ExtentId=tostring(extent_id())")
	b.WriteString("\n| order by IngestionTime asc, ExtentId asc")
	if req.MaxSamples > 0 {
		fmt.Fprintf(&b, "\n| take %d", req.MaxSamples)
	}
	t, err := c.query(ctx, "record-distribution", req.Table.Database, b.String())
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		var s Sample
		if s.IngestionTime, err = t.Time(i, "IngestionTime"); err != nil {
			return nil, err
		}
		if s.ExtentID, err = t.String(i, "ExtentId"); err != nil {
			return nil, err
		}
		if s.RowCount, err = t.Int(i, "RowCount"); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (c *HTTPClient) ExtentCreationTimes(ctx context.Context, table model.TableID, extentIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(extentIDs))
	if len(extentIDs) == 0 {
		return out, nil
	}
	csl := fmt.Sprintf(".show table %s extents (%s) | project ExtentId=tostring(ExtentId), MaxCreatedOn",
		quoteName(table.Table), strings.Join(extentIDs, ", "))
	t, err := c.mgmt(ctx, "extent-creation-times", table.Database, csl)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.Len(); i++ {
		id, err := t.String(i, "ExtentId")
		if err != nil {
			return nil, err
		}
		created, err := t.Time(i, "MaxCreatedOn")
		if err != nil {
			return nil, err
		}
		out[id] = created
	}
	return out, nil
}

func (c *HTTPClient) ExportBlock(ctx context.Context, req ExportRequest) (string, error) {
	if len(req.StorageRoots) == 0 {
		return "", fmt.Errorf("export %s: no storage roots", req.Table)
	}
	var b strings.Builder
	fmt.Fprintf(&b, ".export async compressed to csv (%s)", quoteList(req.StorageRoots, hiddenString))
	fmt.Fprintf(&b, " with (namePrefix=%s, includeHeaders=\"none\", persistDetails=true) <|\n", quoteString(req.NamePrefix))
	b.WriteString(quoteName(req.Table.Table))
	b.WriteString("\n" + cursorClause(cursorBounds{req.Cursor.Start, req.Cursor.End}))
	b.WriteString("\n" + filterClause(req.Filter))
	fmt.Fprintf(&b, "\n| where ingestion_time() between (%s .. %s)", datetime(req.IngestionTime.Start), datetime(req.IngestionTime.End))
	return c.operationID(ctx, "export-block", req.Table.Database, b.String())
}

func (c *HTTPClient) operationID(ctx context.Context, op, database, csl string) (string, error) {
	t, err := c.mgmt(ctx, op, database, csl)
	if err != nil {
		return "", err
	}
	if t.Len() == 0 {
		return "", &Error{Op: op, Err: fmt.Errorf("%w: no operation id", ErrBadResponse)}
	}
	return t.String(0, "OperationId")
}

func (c *HTTPClient) ShowOperations(ctx context.Context, database string, operationIDs []string) ([]OperationStatus, error) {
	if len(operationIDs) == 0 {
		return nil, nil
	}
	csl := fmt.Sprintf(".show operations (%s) | project OperationId=tostring(OperationId), State, Status, ShouldRetry",
		strings.Join(operationIDs, ", "))
	t, err := c.mgmt(ctx, "show-operations", database, csl)
	if err != nil {
		return nil, err
	}
	out := make([]OperationStatus, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		var s OperationStatus
		if s.OperationID, err = t.String(i, "OperationId"); err != nil {
			return nil, err
		}
		if s.State, err = t.String(i, "State"); err != nil {
			return nil, err
		}
		if s.Status, err = t.String(i, "Status"); err != nil {
			return nil, err
		}
		if s.ShouldRetry, err = t.Bool(i, "ShouldRetry"); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *HTTPClient) ShowExportDetails(ctx context.Context, database, operationID string) ([]ExportedBlob, error) {
	csl := fmt.Sprintf(".show operation %s details | project Path, NumRecords", operationID)
	t, err := c.mgmt(ctx, "show-export-details", database, csl)
	if err != nil {
		return nil, err
	}
	out := make([]ExportedBlob, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		var blob ExportedBlob
		if blob.URL, err = t.String(i, "Path"); err != nil {
			return nil, err
		}
		if blob.RowCount, err = t.Int(i, "NumRecords"); err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, nil
}

func (c *HTTPClient) QueueIngest(ctx context.Context, req IngestRequest) (string, error) {
	if len(req.BlobURLs) == 0 {
		return "", fmt.Errorf("ingest into %s: no blobs", req.Table)
	}
	tags, err := json.Marshal([]string{req.Tag})
	if err != nil {
		return "", err
	}
	csl := fmt.Sprintf(".ingest async into table %s (%s) with (format=\"csv\", tags=%s, creationTime=%s)",
		quoteName(req.Table.Table),
		quoteList(req.BlobURLs, hiddenString),
		quoteString(string(tags)),
		quoteString(req.CreationTime.UTC().Format(time.RFC3339Nano)))
	return c.operationID(ctx, "queue-ingest", req.Table.Database, csl)
}

func (c *HTTPClient) ExtentRowCounts(ctx context.Context, table model.TableID, tags []string) ([]ExtentRowCount, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	csl := fmt.Sprintf(".show table %s extents where tags has_any (%s) | project ExtentId=tostring(ExtentId), RowCount, Tags",
		quoteName(table.Table), quoteList(tags, quoteString))
	t, err := c.mgmt(ctx, "extent-row-counts", table.Database, csl)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}
	var out []ExtentRowCount
	for i := 0; i < t.Len(); i++ {
		id, err := t.String(i, "ExtentId")
		if err != nil {
			return nil, err
		}
		rows, err := t.Int(i, "RowCount")
		if err != nil {
			return nil, err
		}
		rawTags, err := t.String(i, "Tags")
		if err != nil {
			return nil, err
		}
		for _, tag := range strings.Split(rawTags, "\r\n") {
			tag = strings.TrimSpace(tag)
			if _, ok := wanted[tag]; ok {
				out = append(out, ExtentRowCount{ExtentID: id, Tag: tag, RowCount: rows})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtentID < out[j].ExtentID })
	return out, nil
}

func (c *HTTPClient) MoveExtents(ctx context.Context, from, to model.TableID, extentIDs []string) (int64, error) {
	if len(extentIDs) == 0 {
		return 0, nil
	}
	csl := fmt.Sprintf(".move extents from table %s to table %s (%s)",
		quoteName(from.Table), quoteName(to.Table), strings.Join(extentIDs, ", "))
	t, err := c.mgmt(ctx, "move-extents", to.Database, csl)
	if err != nil {
		return 0, err
	}
	return int64(t.Len()), nil
}

func (c *HTTPClient) DropTableIfExists(ctx context.Context, table model.TableID) error {
	_, err := c.mgmt(ctx, "drop-table", table.Database, fmt.Sprintf(".drop table %s ifexists", quoteName(table.Table)))
	return err
}

func (c *HTTPClient) CreateTempTable(ctx context.Context, template, temp model.TableID) error {
	csl := fmt.Sprintf(".create table %s based-on %s with (folder=\"tablerelay\")", quoteName(temp.Table), quoteName(template.Table))
	_, err := c.mgmt(ctx, "create-temp-table", temp.Database, csl)
	return err
}

func (c *HTTPClient) Capacity(ctx context.Context) (Capacity, error) {
	t, err := c.mgmt(ctx, "capacity", "", ".show capacity | project Resource, Total")
	if err != nil {
		return Capacity{}, err
	}
	var out Capacity
	for i := 0; i < t.Len(); i++ {
		resource, err := t.String(i, "Resource")
		if err != nil {
			return Capacity{}, err
		}
		total, err := t.Int(i, "Total")
		if err != nil {
			return Capacity{}, err
		}
		switch strings.ToLower(resource) {
		case "queries":
			out.Queries = int(total)
		case "datamanagementcommands", "commands":
			out.Commands = int(total)
		case "dataexport":
			out.Exports = int(total)
		case "ingestions":
			out.Ingestions = int(total)
		}
	}
	return out, nil
}
