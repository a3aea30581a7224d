package id

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// JobIDLength is the length of a job id: 12 bytes rendered as hex, object-id style.
const JobIDLength = 24

var (
	node *snowflake.Node
	once sync.Once

	jobIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)
)

// Init initializes the Snowflake node with the given node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances.
func New() int64 {
	return node.Generate().Int64()
}

// NewJobID returns a fresh job id. Ids generated by one node sort in creation order.
func NewJobID() string {
	return fmt.Sprintf("%024x", New())
}

// IsJobID reports whether s is a well-formed job id.
func IsJobID(s string) bool {
	return jobIDPattern.MatchString(s)
}
