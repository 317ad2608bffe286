package jobstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	placeholderPrefix = "tmp_"
	localPrefix       = "local_"
)

// NewPlaceholderID returns a client-side id for a job the server has not confirmed yet.
func NewPlaceholderID(now time.Time) string {
	return newID(placeholderPrefix, now)
}

func newLocalID(now time.Time) string {
	return newID(localPrefix, now)
}

func newID(prefix string, now time.Time) string {
	return prefix + strconv.FormatInt(now.UnixMilli(), 36) + "_" + uuid.NewString()[:8]
}

// IsPlaceholder reports whether id was minted on the client and has no server row.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix) || strings.HasPrefix(id, localPrefix)
}
