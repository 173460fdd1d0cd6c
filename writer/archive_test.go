package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "fundingflow/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func testArchiver(p objectPutter) *Archiver {
	cfg := &appconfig.Config{}
	cfg.Fundingflow.Version = "test"
	cfg.Storage.S3.Bucket = "funding-bucket"
	cfg.Storage.S3.Prefix = "/raw/"
	cfg.Storage.S3.Compression = "snappy"
	a := newArchiver(p, cfg)
	a.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return a
}

func TestArchiveUploadsCSVAndParquet(t *testing.T) {
	p := &fakePutter{}
	a := testArchiver(p)
	series := seriesOf("20240101 08:00:00", "0.0001", "20240101 16:00:00", "-0.0002")
	res := Result{
		Symbol:  "BTCPERP",
		Path:    "/data/cryptofuture/bybit/margin_interest/btcusdc.csv",
		Rows:    len(series),
		Series:  series,
		Content: Render(series),
	}

	if err := a.Archive(context.Background(), "bybit", res); err != nil {
		t.Fatalf("Archive error: %v", err)
	}
	if len(p.objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(p.objects))
	}

	csv, ok := p.objects["raw/cryptofuture/bybit/margin_interest/btcusdc.csv"]
	if !ok {
		t.Fatalf("csv object missing, have %v", keys(p.objects))
	}
	if !bytes.Equal(csv, res.Content) {
		t.Fatalf("csv content mismatch: %q", csv)
	}

	var pqKey string
	for k := range p.objects {
		if strings.HasSuffix(k, ".parquet") {
			pqKey = k
		}
	}
	prefix := "raw/cryptofuture/bybit/margin_interest/parquet/symbol=BTCPERP/btcusdc_20240102030405"
	if !strings.HasPrefix(pqKey, prefix) {
		t.Fatalf("unexpected parquet key %q", pqKey)
	}
	data := p.objects[pqKey]
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("parquet object lacks magic bytes")
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	a := testArchiver(&fakePutter{err: errors.New("access denied")})
	series := seriesOf("20240101 08:00:00", "0.0001")
	res := Result{Symbol: "BTCUSDT", Path: "btcusdt.csv", Series: series, Content: Render(series)}
	if err := a.Archive(context.Background(), "bybit", res); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestRenderParquetCompression(t *testing.T) {
	series := seriesOf("20240101 08:00:00", "0.0001")
	for _, c := range []string{"", "gzip", "snappy", "unknown"} {
		a := testArchiver(&fakePutter{})
		a.compression = c
		data, err := a.renderParquet("bybit", "BTCUSDT", series)
		if err != nil {
			t.Fatalf("compression %q: %v", c, err)
		}
		if len(data) == 0 {
			t.Fatalf("compression %q: empty output", c)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
