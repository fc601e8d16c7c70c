package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/ttlmerge/internal/metadata"
)

type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return metadata.Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return metadata.Notification{
			Key:     n.Key,
			Version: toMetadataVersion(n.VersionId),
			Deleted: n.Type == oxiaclient.KeyDeleted || n.Type == oxiaclient.KeyRangeRangeDeleted,
		}, nil
	}
}

func (s *notificationStream) Close() error {
	return s.notifications.Close()
}
