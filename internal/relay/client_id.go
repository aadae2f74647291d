package relay

import "github.com/google/uuid"

// newClientID returns a random UUID for which used reports false.
func newClientID(used func(id string) bool) string {
	for {
		id := uuid.NewString()
		if !used(id) {
			return id
		}
	}
}
