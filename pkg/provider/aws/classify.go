package aws

import (
	"encoding/json"
	"errors"
)

// Event types reported by Classify.
const (
	EventS3      = "s3"
	EventAWSLogs = "awslogs"
	EventEvents  = "events"
	EventSNS     = "sns"
	EventKinesis = "kinesis"
	EventUnknown = "unknown"
)

// ErrUnsupportedEvent is returned for payloads of no known shape.
var ErrUnsupportedEvent = errors.New("event type not supported")

type envelope map[string]json.RawMessage

func (e envelope) has(key string) bool {
	_, ok := e[key]
	return ok
}

// Classify detects the event family of raw. An SNS message whose body is
// itself an S3 notification is reported as S3.
func Classify(raw json.RawMessage) (string, error) {
	var top envelope
	if err := json.Unmarshal(raw, &top); err != nil {
		return EventUnknown, errors.Join(ErrUnsupportedEvent, err)
	}

	var records []envelope
	if r, ok := top["Records"]; ok {
		_ = json.Unmarshal(r, &records)
	}
	switch {
	case len(records) > 0:
		first := records[0]
		switch {
		case first.has("s3"):
			return EventS3, nil
		case first.has("Sns"):
			if snsCarriesS3(first["Sns"]) {
				return EventS3, nil
			}
			return EventSNS, nil
		case first.has("kinesis"):
			return EventKinesis, nil
		}
	case top.has("awslogs"):
		return EventAWSLogs, nil
	case top.has("detail"):
		return EventEvents, nil
	}
	return EventUnknown, ErrUnsupportedEvent
}

func snsCarriesS3(sns json.RawMessage) bool {
	var entity struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(sns, &entity); err != nil {
		return false
	}
	var inner struct {
		Records []envelope `json:"Records"`
	}
	if err := json.Unmarshal([]byte(entity.Message), &inner); err != nil {
		return false
	}
	return len(inner.Records) > 0 && inner.Records[0].has("s3")
}
