package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ProjectStatusKey(projectID uuid.UUID) string {
	return fmt.Sprintf("ar:status:%s", projectID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ar:ratelimit:%s", keyPrefix)
}
