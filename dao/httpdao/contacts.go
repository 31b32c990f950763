package httpdao

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bcmapp/groupdispatch/wire"
)

// Contacts implements dao.ContactsDAO against an internal contacts service,
// persisting FRIEND events a client missed so the next login can replay
// them (SPEC_FULL.md §3).
type Contacts struct {
	c client
}

// NewContacts constructs a Contacts client rooted at baseURL.
func NewContacts(baseURL string, hc *http.Client) *Contacts {
	return &Contacts{c: newClient(baseURL, hc)}
}

type friendEventDTO struct {
	Kind int    `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"` // base64
}

func toFriendEventDTO(evt wire.FriendEvent) friendEventDTO {
	return friendEventDTO{Kind: int(evt.Kind), From: evt.From, To: evt.To, Body: base64.StdEncoding.EncodeToString(evt.Body)}
}

func (d friendEventDTO) toFriendEvent() (wire.FriendEvent, error) {
	body, err := base64.StdEncoding.DecodeString(d.Body)
	if err != nil {
		return wire.FriendEvent{}, err
	}
	return wire.FriendEvent{Kind: wire.FriendEventKind(d.Kind), From: d.From, To: d.To, Body: body}, nil
}

// SaveFailed implements dao.ContactsDAO.
func (c *Contacts) SaveFailed(ctx context.Context, uid string, evt wire.FriendEvent) error {
	path := "/internal/contacts/" + url.PathEscape(uid) + "/failed"
	if err := c.c.doJSON(ctx, http.MethodPost, path, toFriendEventDTO(evt), nil); err != nil {
		return fmt.Errorf("httpdao: save failed friend event for %s: %w", uid, err)
	}
	return nil
}

type drainFailedResponse struct {
	Events []friendEventDTO `json:"events"`
}

// DrainFailed implements dao.ContactsDAO.
func (c *Contacts) DrainFailed(ctx context.Context, uid string) ([]wire.FriendEvent, error) {
	var out drainFailedResponse
	path := "/internal/contacts/" + url.PathEscape(uid) + "/failed/drain"
	if err := c.c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("httpdao: drain failed friend events for %s: %w", uid, err)
	}
	result := make([]wire.FriendEvent, 0, len(out.Events))
	for _, dto := range out.Events {
		evt, err := dto.toFriendEvent()
		if err != nil {
			continue
		}
		result = append(result, evt)
	}
	return result, nil
}
