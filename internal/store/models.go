package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// DataEntry is one versioned payload belonging to a project, addressed by
// (dataType, dataKey). The version is strictly increasing per key.
type DataEntry struct {
	ProjectID string          `json:"projectId"`
	DataType  string          `json:"dataType"`
	DataKey   string          `json:"dataKey"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updatedBy"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WriteResult is what a successful write reports back to the caller.
type WriteResult struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}
