package source

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/fetcher"
	"github.com/sells-group/bizdir/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{BackoffBase: time.Millisecond, Timeout: 5 * time.Second})
	return NewRegistry(f, Options{TempDir: t.TempDir()})
}

const sampleCSV = "\ufeffbusiness_name,city,postal_code\n" +
	"Maple Syrup Inc,Montreal,h2x1y4\n" +
	"Poutine Palace,Quebec,G1R 4P5\n"

func TestCSVAdapter_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "qc", Kind: KindCSV, URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Maple Syrup Inc", recs[0]["business_name"])
	assert.Equal(t, "G1R 4P5", recs[1]["postal_code"])
}

func TestCSVAdapter_LocalPathWithMalformedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biz.csv")
	content := "name,city\nGood Co,Regina\nToo,Many,Fields\n,Saskatoon\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "sk", Kind: KindCSV, Path: path})
	require.NoError(t, err)
	// The row with an empty name still reaches the normalizer, which rejects it.
	require.Len(t, recs, 2)
	assert.Equal(t, "Good Co", recs[0]["name"])
	assert.Equal(t, "", recs[1]["name"])
}

func TestCSVAdapter_Zipped(t *testing.T) {
	var buf []byte
	{
		path := filepath.Join(t.TempDir(), "odb.zip")
		f, err := os.Create(path)
		require.NoError(t, err)
		w := zip.NewWriter(f)
		readme, err := w.Create("README.txt")
		require.NoError(t, err)
		_, _ = readme.Write([]byte("not data"))
		data, err := w.Create("ODBus_v4/ODBus_v4.csv")
		require.NoError(t, err)
		_, _ = data.Write([]byte("business_name,prov_terr\nNorthern Lights Ltd,YT\n"))
		require.NoError(t, w.Close())
		require.NoError(t, f.Close())
		buf, err = os.ReadFile(path)
		require.NoError(t, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(buf)
	}))
	defer srv.Close()

	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "statscan", Kind: KindCSV, URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Northern Lights Ltd", recs[0]["business_name"])
	assert.Equal(t, "YT", recs[0]["prov_terr"])
}

func TestCSVAdapter_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{BackoffBase: time.Millisecond, Timeout: 5 * time.Second})
	reg := NewRegistry(f, Options{CSVTimeout: 50 * time.Millisecond, TempDir: t.TempDir()})

	start := time.Now()
	recs, err := reg.Fetch(context.Background(), Source{Name: "slow", Kind: KindCSV, URL: srv.URL})
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.Less(t, time.Since(start), 2*time.Second)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "slow", fe.Source)
}

func TestCSVAdapter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testRegistry(t).Fetch(context.Background(), Source{Name: "gone", Kind: KindCSV, URL: srv.URL})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "404")
}

func ckanServer(t *testing.T, total int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "res-123", q.Get("resource_id"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		var records []map[string]any
		for i := offset; i < offset+limit && i < total; i++ {
			records = append(records, map[string]any{
				"business_name":  fmt.Sprintf("Biz %d", i),
				"business_id_no": 100000000 + i,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"records": records, "total": total, "limit": limit, "offset": offset},
		})
	}))
}

func TestCKANAdapter_Pages(t *testing.T) {
	var calls atomic.Int32
	srv := ckanServer(t, 5, &calls)
	defer srv.Close()

	src := Source{Name: "ontario", Kind: KindCKAN, URL: srv.URL, ResourceID: "res-123", PageSize: 2, MaxPages: 10}
	recs, err := testRegistry(t).Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, "Biz 4", recs[4]["business_name"])
	assert.Equal(t, json.Number("100000004"), recs[4]["business_id_no"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestCKANAdapter_MaxPages(t *testing.T) {
	var calls atomic.Int32
	srv := ckanServer(t, 50, &calls)
	defer srv.Close()

	src := Source{Name: "bc", Kind: KindCKAN, URL: srv.URL, ResourceID: "res-123", PageSize: 10, MaxPages: 2}
	recs, err := testRegistry(t).Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCKANAdapter_NoResourceIDSkips(t *testing.T) {
	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "alberta", Kind: KindCKAN, URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCKANAdapter_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": {"message": "Not found: Resource", "__type": "Not Found Error"}}`))
	}))
	defer srv.Close()

	_, err := testRegistry(t).Fetch(context.Background(), Source{Name: "on", Kind: KindCKAN, URL: srv.URL, ResourceID: "res-123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not found: Resource")
}

func TestJSONAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"Loon Outfitters","business_id_no":987654321012345678},{"name":"Moose Tracks"}]`))
	}))
	defer srv.Close()

	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "json", Kind: KindJSON, URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, json.Number("987654321012345678"), recs[0]["business_id_no"])

	_, err = testRegistry(t).Fetch(context.Background(), Source{Name: "json", Kind: KindJSON})
	assert.Error(t, err)
}

func TestXLSXAdapter(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Businesses")
	require.NoError(t, err)
	for _, row := range [][]string{
		{"Business Name", "City", "Province"},
		{"Prairie Grain Co", "Winnipeg", "MB"},
	} {
		r := sheet.AddRow()
		for _, c := range row {
			r.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "mb.xlsx")
	require.NoError(t, f.Save(path))

	recs, err := testRegistry(t).Fetch(context.Background(), Source{Name: "mb", Kind: KindXLSX, Path: path})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Prairie Grain Co", recs[0]["Business Name"])
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := testRegistry(t).Fetch(context.Background(), Source{Name: "odd", Kind: "ftp"})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "unknown source kind")
}

type failingAdapter struct{ calls int }

func (f *failingAdapter) Kind() string { return "flaky" }

func (f *failingAdapter) Fetch(context.Context, Source) ([]RawRecord, error) {
	f.calls++
	return nil, errors.New("portal down")
}

func TestRegistry_BreakerOpensAfterThreshold(t *testing.T) {
	reg := NewRegistry(nil, Options{Breaker: resilience.FromCircuitConfig(3, 3600)})
	a := &failingAdapter{}
	reg.Register(a)
	src := Source{Name: "flaky-portal", Kind: "flaky"}

	for range 3 {
		_, err := reg.Fetch(context.Background(), src)
		require.Error(t, err)
	}
	_, err := reg.Fetch(context.Background(), src)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 3, a.calls)
	assert.Equal(t, "open", reg.BreakerStates()["flaky-portal"])
}

func TestFromConfig(t *testing.T) {
	srcs := FromConfig([]config.SourceConfig{
		{Name: "on", Kind: "CKAN", Province: "on", PageSize: 50000},
		{Name: "local", Kind: "csv", Path: "/data/biz.csv", PageSize: 100, MaxPages: 3, Disabled: true},
	})
	require.Len(t, srcs, 2)
	assert.Equal(t, KindCKAN, srcs[0].Kind)
	assert.Equal(t, "ON", srcs[0].Province)
	assert.Equal(t, MaxPageSize, srcs[0].PageSize)
	assert.Equal(t, 1, srcs[0].MaxPages)
	assert.Equal(t, 100, srcs[1].PageSize)
	assert.Equal(t, 3, srcs[1].MaxPages)
	assert.True(t, srcs[1].Disabled)
	assert.Equal(t, "/data/biz.csv", srcs[1].Location())
}
