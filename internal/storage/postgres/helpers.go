package postgres

import (
	"encoding/json"

	"github.com/lib/pq"
)

// metadataJSON encodes a lifecycle event's free-form metadata map as the
// jsonb genesis.lifecycle_log.metadata column expects. A nil map encodes
// as an empty object rather than SQL NULL, keeping ListEvents' scan
// unconditional.
func metadataJSON(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func decodeMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]string{}
	}
	return m
}

// pqTextArray adapts genesis.waves.membership (a Postgres text[]) to a
// Go []string via lib/pq's array codec, so waveRow can scan it with sqlx
// like any other column.
type pqTextArray []string

func (a *pqTextArray) Scan(src interface{}) error {
	return pq.Array((*[]string)(a)).Scan(src)
}

func pqStringArray(ss []string) interface{} {
	return pq.Array(ss)
}
