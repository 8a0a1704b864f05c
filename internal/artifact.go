package internal

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContentKind string

const (
	ContentRawJSON        ContentKind = "raw-json"
	ContentNormalizedJSON ContentKind = "normalized-json"
	ContentColumnar       ContentKind = "columnar"
)

// Storage namespaces.
const (
	NamespaceRaw       = "raw"
	NamespaceStaged    = "staged"
	NamespaceProcessed = "processed"
)

// DatasetRequest identifies one ingestion unit.
type DatasetRequest struct {
	DatasetID    string `json:"dataset_id" bson:"dataset_id"`
	Domain       string `json:"domain" bson:"domain"`
	TotalRecords *int   `json:"total_records,omitempty" bson:"total_records,omitempty"`
}

func (r DatasetRequest) Validate() error {
	if strings.TrimSpace(r.DatasetID) == "" {
		return fmt.Errorf("dataset id is required")
	}
	if strings.ContainsAny(r.DatasetID, `/\`) {
		return fmt.Errorf("dataset id %q must not contain path separators", r.DatasetID)
	}
	// ids name state files and repository prefixes
	if strings.HasPrefix(r.DatasetID, ".") {
		return fmt.Errorf("dataset id %q must not start with a dot", r.DatasetID)
	}
	if strings.TrimSpace(r.DatasetID) != r.DatasetID {
		return fmt.Errorf("dataset id %q must not have surrounding whitespace", r.DatasetID)
	}
	if r.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if r.TotalRecords != nil && *r.TotalRecords < 0 {
		return fmt.Errorf("total records must be non-negative, got %d", *r.TotalRecords)
	}
	return nil
}

// Artifact points to a persisted byte payload.
type Artifact struct {
	Location    string      `json:"location" bson:"location"`
	Key         string      `json:"key" bson:"key"`
	ByteSize    int64       `json:"byte_size" bson:"byte_size"`
	ContentKind ContentKind `json:"content_kind" bson:"content_kind"`
	RecordCount int         `json:"record_count" bson:"record_count"`
	Generation  string      `json:"generation" bson:"generation"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

// NewGeneration returns a sortable, collision free generation token for t.
func NewGeneration(t time.Time) string {
	return fmt.Sprintf("%s-%s", t.UTC().Format("20060102T150405.000Z"), uuid.NewString()[:8])
}

// ArtifactKey builds the storage key for an artifact of a dataset generation.
func ArtifactKey(namespace, datasetID, generation, name string) string {
	return path.Join(namespace, datasetID, generation, name)
}
