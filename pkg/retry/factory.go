package retry

import (
	"github.com/mosajjal/logshuttle/pkg/storage"
)

// Backends carries whatever the configuration provides; New picks one.
type Backends struct {
	QueueURL string
	SQS      SQSAPI
	Bucket   storage.ObjectStore
	Root     string
}

// New returns the queue store when a queue is configured, else the bucket
// store, else ErrNoBackend.
func New(b Backends, functionPrefix string) (Store, error) {
	switch {
	case b.QueueURL != "" && b.SQS != nil:
		return NewSQSStore(b.SQS, b.QueueURL, functionPrefix), nil
	case b.Bucket != nil:
		return NewS3Store(b.Bucket, b.Root, functionPrefix), nil
	default:
		return nil, ErrNoBackend
	}
}
