package xid

import "github.com/google/uuid"

// New returns a prefixed, time-ordered identifier such as "tx-0190f3c2-...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
