package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/config"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/persistence/memory"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/persistence/postgres"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/persistence/sqlite"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/sink/kafka"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/sink/objectstore"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

// RetryStoreDriver identifies where the retry bin is persisted.
type RetryStoreDriver string

const (
	RetryStoreFS       RetryStoreDriver = "fs"       // snapshot generations in a dedicated directory
	RetryStoreBlob     RetryStoreDriver = "blob"     // snapshot generations in the shared blob store
	RetryStoreSQLite   RetryStoreDriver = "sqlite"   // embedded sqlite file
	RetryStorePostgres RetryStoreDriver = "postgres" // PostgreSQL server
	RetryStoreMemory   RetryStoreDriver = "memory"   // process lifetime only
	RetryStoreNone     RetryStoreDriver = "none"     // persistence disabled
)

// SinkDriver identifies where care events are delivered.
type SinkDriver string

const (
	SinkBlob  SinkDriver = "blob"
	SinkKafka SinkDriver = "kafka"
)

// closeFunc releases a driver's resources.
type closeFunc func() error

func nopClose() error { return nil }

// OpenBlobStore opens the shared blob store.
func OpenBlobStore(ctx context.Context, c config.Blob) (blob.Store, error) {
	return blob.Open(ctx, blob.Options{
		Driver: blob.Driver(c.Driver),
		FSRoot: c.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			PathStyle: c.S3PathStyle,
		},
	})
}

// OpenRetryStore selects the retry-bin persistence. A nil store with a nil
// error means persistence is disabled (driver none, or fs without a directory).
func OpenRetryStore(ctx context.Context, c config.RetryBin, blobs blob.Store) (retrybin.Store, closeFunc, error) {
	driver := RetryStoreDriver(c.Driver)
	if driver == "" {
		driver = RetryStoreFS
	}
	switch driver {
	case RetryStoreFS:
		if c.Dir == "" {
			return nil, nopClose, nil
		}
		fsStore, err := blob.NewFilesystem(c.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("retry bin directory: %w", err)
		}
		return retrybin.NewBlobStore(fsStore, c.Prefix), nopClose, nil
	case RetryStoreBlob:
		if blobs == nil {
			return nil, nil, fmt.Errorf("retry store %s needs a blob store", driver)
		}
		return retrybin.NewBlobStore(blobs, c.Prefix), nopClose, nil
	case RetryStoreSQLite:
		st, err := sqlite.NewStore(c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case RetryStorePostgres:
		st, err := postgres.NewStore(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case RetryStoreMemory:
		return memory.NewStore(), nopClose, nil
	case RetryStoreNone:
		return nil, nopClose, nil
	default:
		return nil, nil, fmt.Errorf("unknown retry store driver %s", driver)
	}
}

// OpenSink selects the care-event sink.
func OpenSink(ctx context.Context, c config.Sink, blobs blob.Store, logger *zap.Logger) (enrich.Sink, closeFunc, error) {
	driver := SinkDriver(c.Driver)
	if driver == "" {
		driver = SinkBlob
	}
	switch driver {
	case SinkBlob:
		if blobs == nil {
			return nil, nil, fmt.Errorf("sink %s needs a blob store", driver)
		}
		return objectstore.New(blobs, c.Prefix), nopClose, nil
	case SinkKafka:
		s, err := kafka.New(kafka.Config{Brokers: c.KafkaBrokers, Topic: c.KafkaTopic, ClientID: "gvradapter"}, logger)
		if err != nil {
			return nil, nil, err
		}
		if c.KafkaCreateTopic {
			// -1 lets the broker apply its default partition count and replication
			if err := s.EnsureTopic(ctx, -1, -1); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, func() error { s.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink driver %s", driver)
	}
}
