package canon

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a time-ordered 128-bit identifier (UUIDv7): a 48-bit
// millisecond timestamp prefix followed by random bits, so IDs generated
// close together sort close together without a central counter. Used for
// session_id (which also serves as tool_call_id), idempotency_key, and
// tool_effect artifact_id generation.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only errors if the backing random source fails, which
		// on any supported platform indicates a broken runtime; there is no
		// sane fallback that preserves the time-ordering guarantee callers
		// depend on.
		panic(fmt.Sprintf("canon: uuid.NewV7 failed: %v", err))
	}
	return id.String()
}
