package channel

import (
	"context"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/directory"
)

// DeviceResolver fills Message.Tokens from the user directory before handing
// the message to the next push adapter. Message.To is the user id.
type DeviceResolver struct {
	directory directory.UserDirectory
	next      Adapter
}

// NewDeviceResolver wraps next with a device token lookup.
func NewDeviceResolver(dir directory.UserDirectory, next Adapter) *DeviceResolver {
	return &DeviceResolver{directory: dir, next: next}
}

func (d *DeviceResolver) Channel() db.Channel { return d.next.Channel() }

func (d *DeviceResolver) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	tokens, err := d.directory.DeviceTokens(ctx, msg.To)
	if err != nil {
		return nil, providerError("user-directory", err)
	}
	if len(tokens) == 0 {
		return nil, ErrNoDeviceTokens
	}
	resolved := *msg
	resolved.Tokens = tokens
	return d.next.Send(ctx, &resolved)
}
