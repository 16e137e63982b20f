package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func LeaseKey(name string) string {
	return fmt.Sprintf("lease:%s", name)
}
