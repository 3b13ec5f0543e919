package jobbus

import (
	"encoding/json"
	"fmt"

	"github.com/fleetctl/controlplane/internal/domain/dlq"
)

func encodeDLQEntry(e dlq.Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq entry: %w", err)
	}
	return raw, nil
}

func decodeDLQEntry(raw []byte) (dlq.Entry, error) {
	var e dlq.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return dlq.Entry{}, fmt.Errorf("unmarshal dlq entry: %w", err)
	}
	return e, nil
}
