package dispatch

import (
	"context"
	"errors"

	"github.com/bcmapp/groupdispatch/dao"
)

// ErrConnectionClosedWithoutResponse is returned by Session.SendRequest
// when the underlying transport closed before a response arrived
// (spec.md §5: "a disconnected session causes its pending futures to
// complete with a connection_closed_without_response status").
var ErrConnectionClosedWithoutResponse = errors.New("dispatch: connection closed without response")

// Session is the transport-facing contract the dispatch core consumes
// (spec.md §3). One Session backs exactly one Channel for its lifetime.
type Session interface {
	// SendRequest issues a framed client-bound request and waits for its
	// response status and body.
	SendRequest(ctx context.Context, method, path string, body []byte) (status int, respBody []byte, err error)
	// Disconnect tears down the transport.
	Disconnect()
	// AuthenticatedAccount returns the account bound to this session,
	// optionally forcing a refresh from the accounts DAO.
	AuthenticatedAccount(ctx context.Context, refresh bool) (dao.Account, error)
}
