package syncqueue

import (
	"github.com/astromechza/automerge-docsync/pkg/document"
)

type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is one mirrored mutation. Create carries the whole document, update carries the
// partial updates and delete carries only the id.
type Operation struct {
	Type    OperationType      `json:"type"`
	Doc     *document.Document `json:"doc,omitempty"`
	DocID   string             `json:"docId,omitempty"`
	Updates *document.Updates  `json:"updates,omitempty"`
}

func CreateOp(doc document.Document) Operation {
	return Operation{Type: OpCreate, Doc: &doc}
}

func UpdateOp(docID string, updates document.Updates) Operation {
	return Operation{Type: OpUpdate, DocID: docID, Updates: &updates}
}

func DeleteOp(docID string) Operation {
	return Operation{Type: OpDelete, DocID: docID}
}

// TargetID is the id of the document the operation concerns.
func (o Operation) TargetID() string {
	if o.Type == OpCreate && o.Doc != nil {
		return o.Doc.ID
	}
	return o.DocID
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item wraps an Operation with its delivery bookkeeping.
type Item struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Timestamp int64     `json:"timestamp"`
	Retries   int       `json:"retries"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// DocStatus is the sync state of one document as seen by the queue.
type DocStatus string

const (
	DocSynced  DocStatus = "synced"
	DocPending DocStatus = "pending"
	DocError   DocStatus = "error"
)
