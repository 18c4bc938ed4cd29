package channel

import (
	"context"

	"github.com/MEKXH/permit/internal/approval"
)

// None is the notifier used when no chat provider is configured. Requests
// can still be decided from the CLI.
type None struct{}

func (None) Name() string { return "none" }

func (None) SendRequest(context.Context, *approval.StoredRequest) (string, error) { return "", nil }

func (None) UpdateRequest(context.Context, string, *approval.StoredRequest) error { return nil }

func (None) SendNotice(context.Context, approval.Notice) (string, error) { return "", nil }
