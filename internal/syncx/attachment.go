package syncx

import (
	"math"
	"strconv"
	"strings"
)

// Record types the staging path cares about. Everything else ("todo",
// future client types) goes straight to the committed log.
const (
	TypeTodo                 = "todo"
	TypeTodoAttachment       = "todo_attachment"
	TypeTodoAttachmentChunk  = "todo_attachment_chunk"
	TypeTodoAttachmentCommit = "todo_attachment_commit"
)

// Stageable reports whether records of this type are buffered in the
// staged store until a commit marker arrives.
func Stageable(recordType string) bool {
	return recordType == TypeTodoAttachment || recordType == TypeTodoAttachmentChunk
}

// AttachmentID returns the attachment that owns a record: the record id
// itself for meta rows, the prefix before the last ':' for chunk rows.
func AttachmentID(recordType, recordID string) string {
	if recordType == TypeTodoAttachmentChunk {
		if i := strings.LastIndexByte(recordID, ':'); i >= 0 {
			return recordID[:i]
		}
	}
	return recordID
}

// ChunkIndex parses the numeric index after the last ':' of a chunk
// record id. Unparseable or negative indices sort after every real chunk.
func ChunkIndex(recordID string) int64 {
	i := strings.LastIndexByte(recordID, ':')
	if i < 0 {
		return math.MaxInt64
	}
	n, err := strconv.ParseInt(recordID[i+1:], 10, 64)
	if err != nil || n < 0 {
		return math.MaxInt64
	}
	return n
}

// EscapeLikePrefix escapes a string for use as a LIKE prefix with
// ESCAPE '\'. Attachment ids are opaque and may contain %, _ or \.
func EscapeLikePrefix(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}

// ChunkLikePattern builds the LIKE pattern matching every chunk of an
// attachment ("<id>:%", id escaped).
func ChunkLikePattern(attachmentID string) string {
	return EscapeLikePrefix(attachmentID) + ":%"
}
