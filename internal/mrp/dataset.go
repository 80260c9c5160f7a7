package mrp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// Record is one raw entry of the reference dataset, in file order.
type Record struct {
	Key   string
	Name  string
	Price float64
}

var (
	// ErrEmptyDataset is returned when the dataset holds no entries.
	ErrEmptyDataset = errors.New("reference dataset is empty")

	// ErrMalformedDataset wraps every structural problem in the dataset.
	ErrMalformedDataset = errors.New("malformed reference dataset")
)

// LoadDataset reads the reference dataset from source: a local path, a path
// ending in .gz, or an s3://bucket/key URL (which may also end in .gz).
func LoadDataset(ctx context.Context, source, region string) ([]Record, error) {
	rc, err := Open(ctx, source, region)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	records, err := DecodeDataset(rc)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", source, err)
	}
	return records, nil
}

// Open returns the raw dataset stream for source, decompressed when gzipped.
func Open(ctx context.Context, source, region string) (io.ReadCloser, error) {
	if source == "" {
		return nil, fmt.Errorf("reference source not configured")
	}

	var raw io.ReadCloser
	if bucket, key, ok := parseS3URL(source); ok {
		body, err := openS3(ctx, bucket, key, region)
		if err != nil {
			return nil, err
		}
		raw = body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("opening reference dataset: %w", err)
		}
		raw = f
	}

	if !strings.HasSuffix(source, ".gz") {
		return raw, nil
	}

	gz, err := pgzip.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	return &stackedReader{Reader: gz, closers: []io.Closer{gz, raw}}, nil
}

// DecodeDataset reads a JSON object mapping keys to {name, price} entries.
// Entries are returned in file order.
func DecodeDataset(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: top level must be an object", ErrMalformedDataset)
	}

	var records []Record
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
		}
		key, _ := tok.(string)

		var entry struct {
			Name  *string  `json:"name"`
			Price *float64 `json:"price"`
		}
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrMalformedDataset, key, err)
		}
		if entry.Name == nil {
			return nil, fmt.Errorf("%w: entry %q has no name", ErrMalformedDataset, key)
		}
		if entry.Price == nil {
			return nil, fmt.Errorf("%w: entry %q has no price", ErrMalformedDataset, key)
		}

		records = append(records, Record{Key: key, Name: *entry.Name, Price: *entry.Price})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedDataset)
	}

	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}
	return records, nil
}

func parseS3URL(source string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(source, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func openS3(ctx context.Context, bucket, key, region string) (io.ReadCloser, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	resp, err := s3.NewFromConfig(cfg).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting S3 object %s: %w", key, err)
	}
	return resp.Body, nil
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
