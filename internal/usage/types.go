package usage

import (
	"time"
)

// Visit represents a foreground visit to one domain
type Visit struct {
	ID                 string
	Domain             string
	URL                string
	Title              string
	StartedAt          time.Time
	LastActivity       time.Time
	AccumulatedSeconds int64
	Active             bool
}
