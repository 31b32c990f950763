package push

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/wire"
)

// LogSink is a Sink that logs the notification it would send. Push-vendor
// protocol details (APNS/FCM/Umeng wire formats) are an explicit non-goal
// (spec.md non-goals: "treated as opaque send(token, payload) sinks"), so
// this is what a process registers for any vendor it claims to handle
// locally absent a real vendor SDK.
type LogSink struct {
	Vendor string
}

// Send implements Sink.
func (s LogSink) Send(ctx context.Context, notif wire.Notification) error {
	logrus.WithFields(logrus.Fields{
		"vendor": s.Vendor,
		"uid":    notif.UID,
		"gid":    notif.GID,
		"mid":    notif.MessageID,
	}).Debug("push: delivering notification to vendor sink")
	return nil
}
