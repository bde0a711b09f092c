package queue

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

// InitQueue opens the queue backend named by url: "embedded" (the default)
// runs in-process on top of the result store, a nats:// connection string
// selects the JetStream backend.
func InitQueue(url string, store storage.Store, maxRetries map[string]int, log Logger) (queue.Queue, error) {
	switch {
	case url == "" || url == "embedded":
		return NewEmbedded(store, maxRetries, log)
	case strings.HasPrefix(url, "nats://"):
		return NewNATS(url, maxRetries, log)
	default:
		return nil, errors.Errorf("unsupported queue backend %q", url)
	}
}
