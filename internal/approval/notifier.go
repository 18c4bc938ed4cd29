package approval

import "context"

// Notifier puts requests in front of a human. Implementations live under
// internal/channel.
type Notifier interface {
	Name() string
	// SendRequest posts a decision card and returns a handle for later updates.
	// An empty handle means the card cannot be updated.
	SendRequest(ctx context.Context, rec *StoredRequest) (string, error)
	// UpdateRequest rewrites the card behind handle to show rec's current state.
	UpdateRequest(ctx context.Context, handle string, rec *StoredRequest) error
	// SendNotice posts a free-standing message and returns its id.
	SendNotice(ctx context.Context, notice Notice) (string, error)
}

// Classifier assigns a risk level to a tool invocation.
type Classifier interface {
	Classify(tool, command string) RiskLevel
}

type lowClassifier struct{}

func (lowClassifier) Classify(string, string) RiskLevel { return RiskLow }
