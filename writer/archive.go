package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"
)

type fundingParquetRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Rate      string  `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	RateValue float64 `parquet:"name=rate_value, type=DOUBLE"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// objectPutter is the subset of the S3 client used by Archiver.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver mirrors saved series files to S3 together with a parquet rendition.
type Archiver struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression string
	version     string
	log         *logger.Log
	now         func() time.Time
}

// NewArchiver builds an S3 archiver from the storage configuration.
func NewArchiver(ctx context.Context, cfg *appconfig.Config) (*Archiver, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	logger.GetLogger().WithComponent("archiver").WithFields(logger.Fields{
		"bucket": s3cfg.Bucket,
		"prefix": s3cfg.Prefix,
	}).Info("s3 archiver initialized")

	return newArchiver(client, cfg), nil
}

func newArchiver(client objectPutter, cfg *appconfig.Config) *Archiver {
	return &Archiver{
		client:      client,
		bucket:      cfg.Storage.S3.Bucket,
		prefix:      strings.Trim(cfg.Storage.S3.Prefix, "/"),
		compression: cfg.Storage.S3.Compression,
		version:     cfg.Fundingflow.Version,
		log:         logger.GetLogger(),
		now:         time.Now,
	}
}

// Archive uploads the CSV content of res and its parquet rendition.
func (a *Archiver) Archive(ctx context.Context, exchange string, res Result) error {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"exchange": exchange,
		"symbol":   res.Symbol,
	})

	csvKey := a.csvKey(exchange, path.Base(res.Path))
	if err := a.put(ctx, csvKey, res.Content, "text/csv", "csv"); err != nil {
		log.WithError(err).WithFields(logger.Fields{"key": csvKey}).Error("failed to upload series csv")
		return err
	}

	series := res.Series
	data, err := a.renderParquet(exchange, res.Symbol, series)
	if err != nil {
		log.WithError(err).Error("failed to create series parquet")
		return err
	}
	pqKey := a.parquetKey(exchange, res.Symbol, path.Base(res.Path))
	if err := a.put(ctx, pqKey, data, "application/octet-stream", "parquet"); err != nil {
		log.WithError(err).WithFields(logger.Fields{"key": pqKey}).Error("failed to upload series parquet")
		return err
	}

	log.WithFields(logger.Fields{
		"csv_key":     csvKey,
		"parquet_key": pqKey,
		"file_size":   len(data),
		"rows":        len(series),
	}).Info("series archived")
	return nil
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, contentType, kind string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"content-type":        kind,
			"compression":         a.compression,
			"fundingflow-version": a.version,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) base(exchange string) string {
	return path.Join(a.prefix, "cryptofuture", strings.ToLower(exchange), "margin_interest")
}

func (a *Archiver) csvKey(exchange, file string) string {
	return path.Join(a.base(exchange), file)
}

func (a *Archiver) parquetKey(exchange, symbol, file string) string {
	name := fmt.Sprintf("%s_%s.parquet",
		strings.TrimSuffix(file, path.Ext(file)),
		a.now().UTC().Format("20060102150405")+uuid.NewString(),
	)
	return path.Join(a.base(exchange), "parquet", "symbol="+strings.ToUpper(symbol), name)
}

func (a *Archiver) renderParquet(exchange, symbol string, series models.SymbolSeries) ([]byte, error) {
	mem := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, new(fundingParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, ts := range series.Timestamps() {
		rate := series[ts]
		rec := fundingParquetRecord{
			Exchange:  strings.ToLower(exchange),
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ts * 1000,
			Rate:      rate.String(),
			RateValue: rate.InexactFloat64(),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write funding record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize funding parquet: %w", err)
	}
	return mem.Bytes(), nil
}
